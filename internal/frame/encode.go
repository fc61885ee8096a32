package frame

// Encode serializes argv/env into the dhcp-script wire format (without the
// accompanying SCM_RIGHTS control message, which is a property of the
// socket write, not the byte stream). It is primarily used by tests to
// exercise round-trip parsing and by the forwarder client.
func Encode(argv []string, env map[string]string) ([]byte, error) {
	var out []byte
	out = appendUint32(out, uint32(len(argv)))
	for _, a := range argv {
		out = append(out, []byte(a)...)
		out = append(out, 0)
	}
	out = appendUint32(out, uint32(len(env)))
	for k, v := range env {
		out = append(out, []byte(k)...)
		out = append(out, '=')
		out = append(out, []byte(v)...)
		out = append(out, 0)
	}
	if len(out) > MaxFrameSize {
		return nil, &ProtocolError{Kind: ErrBufferTooSmall}
	}
	return out, nil
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
