/*
Package clocksync estimates per-peer clock offset and round-trip time from
three-timestamp exchanges.

Each sample (t0 local send, t1 remote receive, t2 local receive) yields
rtt = t2 - t0 and offset = t1 - (t0 + rtt/2). A bounded ring per peer is
smoothed with the median, and the consensus offset is the mean of smoothed
offsets across peers.
*/
package clocksync
