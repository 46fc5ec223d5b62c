/*
Package balancer places jobs on workers.

Selection filters the fleet down to eligible acceptors (active, not
blacklisted, spare capacity, below critical load, priority accepted,
and for high-priority jobs a success rate of at least 85%), then
applies the configured strategy:

  - ROUND_ROBIN: rotate through acceptors
  - LEAST_CONNECTIONS: fewest current jobs
  - WEIGHTED_ROUND_ROBIN: most weighted headroom (load factor scaled)
  - LEAST_RESPONSE_TIME: lowest average execution time
  - RESOURCE_BASED: most free capacity
  - INTELLIGENT: composite of capacity, stepped response time and a
    reliability bonus (the default)
  - ADAPTIVE: picks one of the above based on fleet conditions

Bind and Unbind persist both sides of an assignment as a pair, rolling
back the worker side if the job side fails, so the capacity invariant
(0 <= current <= max) holds across crashes mid-assignment.

Rebalance periodically shifts non-high-priority work off workers above
the high load threshold onto workers under 65% load, at most five jobs
per cycle.
*/
package balancer
