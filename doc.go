// Package dbus provides a client for message buses speaking the
// D-Bus wire protocol: connecting to a bus, calling methods on other
// clients, exporting objects that respond to calls, and watching
// signals and property changes.
//
// # Values on the wire
//
// Method arguments, replies and signal payloads are ordinary Go
// values, mapped to the wire's type system by reflection.
//
// uint{8,16,32,64}, int{16,32,64}, float64, bool and string map to
// the corresponding basic wire types. int8, int, uint, uintptr and
// float32 have no wire representation and are rejected with a
// [TypeError], as are channels, functions, and cyclic types.
//
// Slices and arrays map to wire arrays. Maps map to wire
// dictionaries; the key type must be a basic type. Structs map to
// wire structs: exported fields in declaration order, with embedded
// structs flattened and fields tagged `dbus:"-"` skipped.
//
// [Signature], [ObjectPath] and [File] values map to the wire's
// type-signature, object-path and file-descriptor types. A [Variant]
// is the wire's self-describing box, and a plain 'any' value encodes
// as a variant of its dynamic type and decodes by unboxing the
// received variant.
//
// Types may take over their own mapping by implementing [Marshaler]
// and [Unmarshaler].
//
// # Calls
//
// [Conn.Peer], [Peer.Object] and [Object.Interface] form local,
// cheap handles naming something on the bus. [Interface.Call] blocks
// for the reply, [Interface.Go] returns a [PendingCall] future, and
// [Interface.OneWay] tells the peer not to reply at all.
//
// [Conn.Export] attaches an [InterfaceDef] full of Go handlers to an
// object path, making it callable from the bus.
package dbus
