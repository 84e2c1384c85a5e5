package rtps

// SubmessageTransform is the hook a security plugin uses to protect user
// data. It is applied to DATA and DATA_FRAG submessages of user writers
// only: outgoing ones just before encoding, incoming ones right after
// decoding. Discovery traffic is never transformed.
//
// TransformIncoming returns an error wrapping ErrAuthentication to have the
// submessage dropped.
type SubmessageTransform interface {
	TransformOutgoing(dst GUIDPrefix, sm Submessage) (Submessage, error)
	TransformIncoming(src GUIDPrefix, sm Submessage) (Submessage, error)
}

type plainTransform struct{}

func (plainTransform) TransformOutgoing(_ GUIDPrefix, sm Submessage) (Submessage, error) {
	return sm, nil
}

func (plainTransform) TransformIncoming(_ GUIDPrefix, sm Submessage) (Submessage, error) {
	return sm, nil
}

// protected reports whether sm goes through the transform.
func protected(sm Submessage) bool {
	switch s := sm.(type) {
	case *Data:
		return !s.WriterID.isBuiltin()
	case *DataFrag:
		return !s.WriterID.isBuiltin()
	}
	return false
}
