package host

import (
	"fmt"

	"github.com/bitpay/bitpay-app-sub010/internal/engine"
	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

// args gives positional access to request arguments. Missing arguments read as null.
type args []wire.Value

func (a args) at(i int) wire.Value {
	if i < len(a) {
		return a[i]
	}
	return wire.Null()
}

func (a args) uint8(i int, name string) (uint8, error) {
	v, err := a.at(i).AsUint8()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func (a args) string(i int, name string) (string, error) {
	v, err := a.at(i).AsString()
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func (a args) bytes(i int, name string) ([]byte, error) {
	b, err := a.at(i).AsBytes()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return b, nil
}

// optBytes is like bytes but returns nil for a null argument.
func (a args) optBytes(i int, name string) ([]byte, error) {
	if a.at(i).IsNull() {
		return nil, nil
	}
	return a.bytes(i, name)
}

// handleOf extracts an object handle from a handle value or from an object carrying an _id
// or handle field.
func handleOf(v wire.Value) (wire.Handle, bool) {
	switch v.Kind {
	case wire.KindHandle:
		return v.Handle, true
	case wire.KindObject:
		for _, key := range []string{"_id", "handle", "objId"} {
			f, ok := v.Object[key]
			if !ok {
				continue
			}
			if f.Kind == wire.KindHandle {
				return f.Handle, true
			}
			if i, err := f.AsInt(); err == nil && i > 0 {
				return wire.Handle(i), true
			}
		}
	}
	return 0, false
}

func (h *Host) keyshareArg(v wire.Value) (*engine.Keyshare, error) {
	if ks, ok := v.Native.(*engine.Keyshare); ok && v.Kind == wire.KindNative {
		return ks, nil
	}
	id, ok := handleOf(v)
	if !ok {
		return nil, fmt.Errorf("%w: keyshare: expected a handle, got %s", wire.ErrInvalidArgument, v.Kind)
	}
	return h.shares.Resolve(id)
}

func (h *Host) construct(class string, raw []wire.Value) (wire.Value, error) {
	a := args(raw)
	if class == ClassMessage {
		return h.newMessage(a)
	}
	if class == ClassKeyshare {
		return wire.Value{}, fmt.Errorf("%w: Keyshare should be obtained from KeygenSession.keyshare()", wire.ErrInvalidRequest)
	}

	e, err := h.engine()
	if err != nil {
		return wire.Value{}, err
	}
	switch class {
	case ClassKeygenSession:
		n, err := a.uint8(0, "participants")
		if err != nil {
			return wire.Value{}, err
		}
		t, err := a.uint8(1, "threshold")
		if err != nil {
			return wire.Value{}, err
		}
		self, err := a.uint8(2, "party_id")
		if err != nil {
			return wire.Value{}, err
		}
		seed, err := a.bytes(3, "seed")
		if err != nil {
			return wire.Value{}, err
		}
		s, err := e.NewKeygenSession(n, t, self, seed)
		if err != nil {
			return wire.Value{}, err
		}
		return h.register(ClassKeygenSession, h.keygens.Register(s)), nil

	case ClassSignSession, ClassSignSessionOTVariant:
		ks, err := h.keyshareArg(a.at(0))
		if err != nil {
			return wire.Value{}, err
		}
		path, err := a.string(1, "chain_path")
		if err != nil {
			return wire.Value{}, err
		}
		seed, err := a.optBytes(2, "seed")
		if err != nil {
			return wire.Value{}, err
		}
		if class == ClassSignSession {
			s, err := e.NewSignSession(ks, path, seed)
			if err != nil {
				return wire.Value{}, err
			}
			return h.register(class, h.signs.Register(s)), nil
		}
		s, err := e.NewSignSessionOTVariant(ks, path, seed)
		if err != nil {
			return wire.Value{}, err
		}
		return h.register(class, h.otSigns.Register(s)), nil
	}
	return wire.Value{}, fmt.Errorf("%w: no class %q", wire.ErrInvalidRequest, class)
}

func (h *Host) newMessage(a args) (wire.Value, error) {
	payload, err := a.bytes(0, "payload")
	if err != nil {
		return wire.Value{}, err
	}
	from, err := a.uint8(1, "from_id")
	if err != nil {
		return wire.Value{}, err
	}
	var to *uint8
	if !a.at(2).IsNull() {
		id, err := a.uint8(2, "to_id")
		if err != nil {
			return wire.Value{}, err
		}
		to = &id
	}
	if err := engine.CheckHeader(from, to); err != nil {
		return wire.Value{}, err
	}
	h.diag.Debug().Int("payload", len(payload)).Uint8("from", from).Msg("building message")
	return h.register(ClassMessage, h.messages.Register(engine.NewMessage(payload, from, to))), nil
}

func (h *Host) staticConstruct(class, method string, raw []wire.Value) (wire.Value, error) {
	a := args(raw)
	if class == ClassKeyshare && method == "fromBytes" {
		data, err := a.bytes(0, "bytes")
		if err != nil {
			return wire.Value{}, err
		}
		ks, err := engine.KeyshareFromBytes(data)
		if err != nil {
			return wire.Value{}, err
		}
		return h.register(ClassKeyshare, h.shares.Register(ks)), nil
	}

	e, err := h.engine()
	if err != nil {
		return wire.Value{}, err
	}
	switch class + "." + method {
	case "KeygenSession.fromBytes":
		data, err := a.bytes(0, "bytes")
		if err != nil {
			return wire.Value{}, err
		}
		s, err := e.KeygenSessionFromBytes(data)
		if err != nil {
			return wire.Value{}, err
		}
		return h.register(ClassKeygenSession, h.keygens.Register(s)), nil

	case "KeygenSession.initKeyRotation":
		ks, err := h.keyshareArg(a.at(0))
		if err != nil {
			return wire.Value{}, err
		}
		seed, err := a.optBytes(1, "seed")
		if err != nil {
			return wire.Value{}, err
		}
		s, err := e.InitKeyRotation(ks, seed)
		if err != nil {
			return wire.Value{}, err
		}
		return h.register(ClassKeygenSession, h.keygens.Register(s)), nil

	case "SignSession.fromBytes":
		data, err := a.bytes(0, "bytes")
		if err != nil {
			return wire.Value{}, err
		}
		s, err := e.SignSessionFromBytes(data)
		if err != nil {
			return wire.Value{}, err
		}
		return h.register(ClassSignSession, h.signs.Register(s)), nil

	case "SignSessionOTVariant.fromBytes":
		data, err := a.bytes(0, "bytes")
		if err != nil {
			return wire.Value{}, err
		}
		s, err := e.SignSessionOTVariantFromBytes(data)
		if err != nil {
			return wire.Value{}, err
		}
		return h.register(ClassSignSessionOTVariant, h.otSigns.Register(s)), nil
	}
	return wire.Value{}, fmt.Errorf("%w: no static %s.%s", wire.ErrInvalidRequest, class, method)
}

func (h *Host) call(id wire.Handle, method string, raw []wire.Value) (wire.Value, error) {
	obj, _, err := h.reg.Lookup(id)
	if err != nil {
		return wire.Value{}, err
	}
	a := args(raw)
	var res any
	switch o := obj.(type) {
	case *engine.KeygenSession:
		res, err = h.callKeygen(o, method, a)
	case *engine.SignSession:
		res, err = h.callSign(o, method, a)
	case *engine.SignSessionOTVariant:
		res, err = h.callSign(o, method, a)
	case *engine.Keyshare, *engine.Message:
		// accessors are callable like methods
		return h.get(id, method)
	default:
		return wire.Value{}, fmt.Errorf("%w: handle %d holds %T", wire.ErrInvalidState, id, obj)
	}
	if err != nil {
		return wire.Value{}, err
	}
	return h.result(res)
}

func (h *Host) callKeygen(s *engine.KeygenSession, method string, a args) (any, error) {
	switch method {
	case "createFirstMessage":
		return s.CreateFirstMessage()
	case "handleMessages":
		msgs, err := h.resolveMessages(a.at(0))
		if err != nil {
			return nil, err
		}
		commitments, err := commitmentsArg(a.at(1))
		if err != nil {
			return nil, err
		}
		seed, err := a.optBytes(2, "seed")
		if err != nil {
			return nil, err
		}
		return s.HandleMessages(msgs, commitments, seed)
	case "keyshare":
		return s.Keyshare()
	case "toBytes":
		return s.ToBytes()
	case "calculateChainCodeCommitment":
		return s.CalculateChainCodeCommitment(), nil
	case "partyId":
		return s.PartyID(), nil
	}
	return nil, fmt.Errorf("%w: no method KeygenSession.%s", wire.ErrInvalidRequest, method)
}

// signer is implemented by both sign session flavours.
type signer interface {
	CreateFirstMessage() (*engine.Message, error)
	HandleMessages(msgs []*engine.Message, seed []byte) ([]*engine.Message, error)
	LastMessage(hash []byte) (*engine.Message, error)
	Combine(msgs []*engine.Message) ([]byte, error)
	ToBytes() ([]byte, error)
	PublicKey() ([]byte, error)
	PartyID() uint8
}

func (h *Host) callSign(s signer, method string, a args) (any, error) {
	switch method {
	case "createFirstMessage":
		return s.CreateFirstMessage()
	case "handleMessages":
		msgs, err := h.resolveMessages(a.at(0))
		if err != nil {
			return nil, err
		}
		// the seed may follow an unused commitments argument
		seedAt := 1
		if len(a) > 2 {
			seedAt = 2
		}
		seed, err := a.optBytes(seedAt, "seed")
		if err != nil {
			return nil, err
		}
		return s.HandleMessages(msgs, seed)
	case "lastMessage":
		hash, err := a.bytes(0, "message_hash")
		if err != nil {
			return nil, err
		}
		return s.LastMessage(hash)
	case "combine":
		msgs, err := h.resolveMessages(a.at(0))
		if err != nil {
			return nil, err
		}
		return s.Combine(msgs)
	case "toBytes":
		return s.ToBytes()
	case "publicKey":
		return s.PublicKey()
	case "partyId":
		return s.PartyID(), nil
	}
	return nil, fmt.Errorf("%w: no method %T.%s", wire.ErrInvalidRequest, s, method)
}

// commitmentsArg accepts either one buffer holding every commitment or a list of buffers,
// one per party.
func commitmentsArg(v wire.Value) ([]byte, error) {
	if v.IsNull() {
		return nil, nil
	}
	if v.Kind == wire.KindList && len(v.List) > 0 && (v.List[0].Kind == wire.KindBytes || v.List[0].Kind == wire.KindList) {
		var out []byte
		for i, c := range v.List {
			b, err := c.AsBytes()
			if err != nil {
				return nil, fmt.Errorf("commitment %d: %w", i, err)
			}
			out = append(out, b...)
		}
		return out, nil
	}
	b, err := v.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("commitments: %w", err)
	}
	return b, nil
}

func (h *Host) get(id wire.Handle, prop string) (wire.Value, error) {
	obj, _, err := h.reg.Lookup(id)
	if err != nil {
		return wire.Value{}, err
	}
	switch o := obj.(type) {
	case *engine.Message:
		switch prop {
		case "payload":
			return wire.Bytes(o.Payload()), nil
		case "from_id":
			return wire.Int(int64(o.From())), nil
		case "to_id":
			if to, ok := o.To(); ok {
				return wire.Int(int64(to)), nil
			}
			return wire.Null(), nil
		}
	case *engine.Keyshare:
		switch prop {
		case "partyId":
			return wire.Int(int64(o.PartyID())), nil
		case "publicKey":
			return wire.Bytes(o.PublicKey()), nil
		case "threshold":
			return wire.Int(int64(o.Threshold())), nil
		case "participants":
			return wire.Int(int64(o.Participants())), nil
		case "fingerprint":
			return wire.Bytes(o.Fingerprint()), nil
		case "chainCodeCommitments":
			return wire.Bytes(o.ChainCodeCommitments()), nil
		case "toBytes":
			b, err := o.ToBytes()
			if err != nil {
				return wire.Value{}, err
			}
			return wire.Bytes(b), nil
		}
	}
	return wire.Value{}, fmt.Errorf("%w: %T has no property %q", wire.ErrInvalidRequest, obj, prop)
}
