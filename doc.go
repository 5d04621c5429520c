// Package libzk is an asynchronous client for a ZooKeeper-like hierarchical
// coordination service. A Client multiplexes ordered requests over a single
// connection to one of a set of ensemble servers and survives server
// failover without losing session identity, outstanding operations, or
// installed watches.
//
// Construct a Client with NewClient, connect it with Start, and use the
// operation surface (Create, Exists, GetData, ...). The *W variants install
// one-shot watches that fire on the next matching change, and keep firing
// correctly across reconnects. Coordination recipes built on top live in
// the recipes package; the wire vocabulary (records, op codes, error kinds)
// lives in the proto package.
package libzk
