// Package framing implements the hive wire framing: a uint32 big-endian
// length followed by that many payload bytes, and composite frames made of a
// uint32 count followed by that many standard frames.
//
// Message and Composite are resumable: Read and Write advance using only the
// bytes a non-blocking Channel can deliver or accept right now, and report
// completion once the whole frame went through. End of stream, including a
// frame truncated by the peer, surfaces as ErrPeerClosed, which callers must
// not confuse with a read that simply made no progress.
//
// ReadFrame, WriteFrame and their composite counterparts are blocking
// variants for code that owns a plain net.Conn, such as the node process.
package framing
