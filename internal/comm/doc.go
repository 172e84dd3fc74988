// Package comm owns the communicator endpoint and its handshake protocol.
//
// Ownership boundary:
// - communicator socket lifecycle and receive loop
// - ping handshake state machine and key tracking
// - admission control for incoming payloads
//
// A Communicator and its key sets belong to a single goroutine. Sends block
// that goroutine inside a nested receive loop until the handshake deadline
// or an echo; there is no internal locking. Hosts that need to both send and
// continuously serve must interleave the two on one goroutine or dedicate a
// goroutine per communicator.
package comm
