package errdefs

// Wire status codes for the transport response header. Code 0 is success;
// the remaining values are a stable one-byte encoding of Kind. New kinds
// must be appended, never renumbered, since both sides of a connection may
// run different builds during a rolling upgrade.
const (
	CodeOK uint8 = 0

	codeRemoteException uint8 = 1
)

// kindCodes maps each Kind onto its wire code. Codes start at 2 because 0
// is success and 1 is the generic remote-exception marker for errors that
// carry no kind.
var kindCodes = map[Kind]uint8{
	KindUnreachable:           2,
	KindTimeout:               3,
	KindNotOwner:              4,
	KindRingRefresh:           5,
	KindThrottled:             6,
	KindCancelled:             7,
	KindNotFound:              8,
	KindMarshalling:           9,
	KindUnsupportedMethod:     10,
	KindReentrancy:            11,
	KindConcurrency:           12,
	KindSupervisionTerminated: 13,
	KindStoreCorrupted:        14,
	KindCodecMismatch:         15,
}

// codeKinds is the inverse of kindCodes, built at init.
var codeKinds = func() map[uint8]Kind {
	m := make(map[uint8]Kind, len(kindCodes))
	for k, c := range kindCodes {
		m[c] = k
	}

	return m
}()

// CodeFor returns the wire status code for the given error. A nil error is
// CodeOK; an error with no recognizable kind becomes the generic
// remote-exception code.
func CodeFor(err error) uint8 {
	if err == nil {
		return CodeOK
	}

	if code, ok := kindCodes[KindOf(err)]; ok {
		return code
	}

	return codeRemoteException
}

// FromCode reconstructs a tagged error from a wire status code and message.
// CodeOK yields nil. Unrecognized codes become a KindUnknown remote
// exception so that the message is still surfaced to the caller.
func FromCode(code uint8, message string) error {
	if code == CodeOK {
		return nil
	}

	kind, ok := codeKinds[code]
	if !ok {
		kind = KindUnknown
	}

	return &Error{
		Kind:    kind,
		Message: message,
	}
}
