// Package wire defines the messages exchanged between drivers, nodes and
// resource providers, and their encoding.
//
// Every message travels as one frame (or one part of a composite frame)
// holding a JSON envelope with a kind tag and a body. The reactor-driven
// side of a connection builds frames with Frame and Composite and parses
// what it reads with Decode or DecodeAs; blocking clients use Write, Read
// and ReadAs directly on a net.Conn.
package wire
