// Package hosts keeps the set of cluster nodes the console talks to.
//
// A [Registry] creates one [Host] per node. Each host owns its SSH
// connection, its command cache, its executor and its runner. All hosts of a
// registry share the single dry-run slot, the console sink, the prompter and
// the host key store, so at most one dry run is in flight across the cluster.
//
// A [Resolver] looks up node addresses on a configured nameserver when a host
// is registered by name only.
package hosts
