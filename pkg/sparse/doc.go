/*
Package sparse implements the sparse map and sparse set containers used
throughout lattice for entity-keyed bookkeeping.

A sparse map keeps a sparse index slice pointing into parallel dense key and
value slices: O(1) insert, lookup and delete, with iteration touching only
present keys. Deletion swap-removes, trading iteration order for compactness.
*/
package sparse
