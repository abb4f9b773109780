package msg

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/GEO-Project/network-client/state"
	"github.com/davecgh/go-xdr/xdr"
	"github.com/google/uuid"
)

// Version is the version of the record layout written by Encoder.
const Version uint8 = 1

// MaxRecordSize bounds the size of a record accepted by Decoder.
const MaxRecordSize = 1 << 20

var (
	ErrUnknownVersion = errors.New("unknown message version")
	ErrUnknownType    = errors.New("unknown message type")
	ErrMissingBody    = errors.New("message body does not match type")
	ErrRecordTooLarge = errors.New("message record too large")
)

// A record is laid out as:
//
//	uint32 length | uint8 version | uint16 type | xdr(header) | xdr(body)
//
// where length counts the bytes that follow it.
const prefixSize = 4 + 1 + 2

type wireHeader struct {
	Sender        state.NodeID
	TransactionID uuid.UUID
	Equivalent    state.Equivalent
}

// body returns the body matching the message type.
func (m *Message) body() (interface{}, error) {
	var b interface{}
	var set bool
	switch m.Type {
	case TypeSetTrustLineRequest:
		b, set = m.SetTrustLineRequest, m.SetTrustLineRequest != nil
	case TypeSetTrustLineResponse:
		b, set = m.SetTrustLineResponse, m.SetTrustLineResponse != nil
	case TypeAuditRequest:
		b, set = m.AuditRequest, m.AuditRequest != nil
	case TypeAuditResponse:
		b, set = m.AuditResponse, m.AuditResponse != nil
	case TypeReceiverInitRequest:
		b, set = m.ReceiverInitRequest, m.ReceiverInitRequest != nil
	case TypeReceiverInitResponse:
		b, set = m.ReceiverInitResponse, m.ReceiverInitResponse != nil
	case TypeIntermediateReservationRequest:
		b, set = m.IntermediateReservationRequest, m.IntermediateReservationRequest != nil
	case TypeIntermediateReservationResponse:
		b, set = m.IntermediateReservationResponse, m.IntermediateReservationResponse != nil
	case TypeCoordinatorReservationRequest:
		b, set = m.CoordinatorReservationRequest, m.CoordinatorReservationRequest != nil
	case TypeCoordinatorReservationResponse:
		b, set = m.CoordinatorReservationResponse, m.CoordinatorReservationResponse != nil
	case TypeFinalAmountsConfiguration:
		b, set = m.FinalAmountsConfiguration, m.FinalAmountsConfiguration != nil
	case TypeParticipantVote:
		b, set = m.ParticipantVote, m.ParticipantVote != nil
	case TypeParticipantsDecision:
		b, set = m.ParticipantsDecision, m.ParticipantsDecision != nil
	case TypeReservationRollback:
		b, set = m.ReservationRollback, m.ReservationRollback != nil
	case TypeProlongationRequest:
		b, set = m.ProlongationRequest, m.ProlongationRequest != nil
	case TypeProlongationResponse:
		b, set = m.ProlongationResponse, m.ProlongationResponse != nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownType, m.Type)
	}
	if !set {
		return nil, fmt.Errorf("%w: %v", ErrMissingBody, m.Type)
	}
	return b, nil
}

// newBody allocates the body for the message type and attaches it.
func (m *Message) newBody() (interface{}, error) {
	switch m.Type {
	case TypeSetTrustLineRequest:
		m.SetTrustLineRequest = &SetTrustLineRequest{}
		return m.SetTrustLineRequest, nil
	case TypeSetTrustLineResponse:
		m.SetTrustLineResponse = &SetTrustLineResponse{}
		return m.SetTrustLineResponse, nil
	case TypeAuditRequest:
		m.AuditRequest = &AuditRequest{}
		return m.AuditRequest, nil
	case TypeAuditResponse:
		m.AuditResponse = &AuditResponse{}
		return m.AuditResponse, nil
	case TypeReceiverInitRequest:
		m.ReceiverInitRequest = &ReceiverInitRequest{}
		return m.ReceiverInitRequest, nil
	case TypeReceiverInitResponse:
		m.ReceiverInitResponse = &ReceiverInitResponse{}
		return m.ReceiverInitResponse, nil
	case TypeIntermediateReservationRequest:
		m.IntermediateReservationRequest = &IntermediateReservationRequest{}
		return m.IntermediateReservationRequest, nil
	case TypeIntermediateReservationResponse:
		m.IntermediateReservationResponse = &ReservationResponse{}
		return m.IntermediateReservationResponse, nil
	case TypeCoordinatorReservationRequest:
		m.CoordinatorReservationRequest = &CoordinatorReservationRequest{}
		return m.CoordinatorReservationRequest, nil
	case TypeCoordinatorReservationResponse:
		m.CoordinatorReservationResponse = &ReservationResponse{}
		return m.CoordinatorReservationResponse, nil
	case TypeFinalAmountsConfiguration:
		m.FinalAmountsConfiguration = &FinalAmountsConfiguration{}
		return m.FinalAmountsConfiguration, nil
	case TypeParticipantVote:
		m.ParticipantVote = &ParticipantVote{}
		return m.ParticipantVote, nil
	case TypeParticipantsDecision:
		m.ParticipantsDecision = &ParticipantsDecision{}
		return m.ParticipantsDecision, nil
	case TypeReservationRollback:
		m.ReservationRollback = &ReservationRollback{}
		return m.ReservationRollback, nil
	case TypeProlongationRequest:
		m.ProlongationRequest = &ProlongationRequest{}
		return m.ProlongationRequest, nil
	case TypeProlongationResponse:
		m.ProlongationResponse = &ProlongationResponse{}
		return m.ProlongationResponse, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownType, m.Type)
}

// Validate checks that the body matching the message type is present.
func (m Message) Validate() error {
	_, err := m.body()
	return err
}

// Marshal encodes the message as a single record.
func Marshal(m Message) ([]byte, error) {
	body, err := m.body()
	if err != nil {
		return nil, err
	}
	h, err := xdr.Marshal(wireHeader{Sender: m.Sender, TransactionID: m.TransactionID, Equivalent: m.Equivalent})
	if err != nil {
		return nil, fmt.Errorf("encoding %v header: %w", m.Type, err)
	}
	b, err := xdr.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %v body: %w", m.Type, err)
	}
	length := 1 + 2 + len(h) + len(b)
	if length > MaxRecordSize {
		return nil, fmt.Errorf("encoding %v: %w", m.Type, ErrRecordTooLarge)
	}
	rec := make([]byte, prefixSize, prefixSize+len(h)+len(b))
	binary.BigEndian.PutUint32(rec[0:4], uint32(length))
	rec[4] = Version
	binary.BigEndian.PutUint16(rec[5:7], uint16(m.Type))
	rec = append(rec, h...)
	rec = append(rec, b...)
	return rec, nil
}

// Unmarshal decodes a single record produced by Marshal.
func Unmarshal(rec []byte) (Message, error) {
	if len(rec) < prefixSize {
		return Message{}, fmt.Errorf("decoding message: %w", io.ErrUnexpectedEOF)
	}
	length := binary.BigEndian.Uint32(rec[0:4])
	if int(length) != len(rec)-4 {
		return Message{}, fmt.Errorf("decoding message: length %d with %d bytes", length, len(rec)-4)
	}
	return unmarshalPayload(rec[4:])
}

func unmarshalPayload(p []byte) (Message, error) {
	if p[0] != Version {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownVersion, p[0])
	}
	m := Message{}
	m.Type = Type(binary.BigEndian.Uint16(p[1:3]))
	body, err := m.newBody()
	if err != nil {
		return Message{}, err
	}
	h := wireHeader{}
	rest, err := xdr.Unmarshal(p[3:], &h)
	if err != nil {
		return Message{}, fmt.Errorf("decoding %v header: %w", m.Type, err)
	}
	m.Sender = h.Sender
	m.TransactionID = h.TransactionID
	m.Equivalent = h.Equivalent
	rest, err = xdr.Unmarshal(rest, body)
	if err != nil {
		return Message{}, fmt.Errorf("decoding %v body: %w", m.Type, err)
	}
	if len(rest) != 0 {
		return Message{}, fmt.Errorf("decoding %v: %d trailing bytes", m.Type, len(rest))
	}
	return m, nil
}

// Encoder writes records to a stream.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(m Message) error {
	rec, err := Marshal(m)
	if err != nil {
		return err
	}
	_, err = e.w.Write(rec)
	return err
}

// Decoder reads records from a stream.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

func (d *Decoder) Decode(m *Message) error {
	var l [4]byte
	if _, err := io.ReadFull(d.r, l[:]); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(l[:])
	if length > MaxRecordSize {
		return fmt.Errorf("decoding message of %d bytes: %w", length, ErrRecordTooLarge)
	}
	if length < prefixSize-4 {
		return fmt.Errorf("decoding message: length %d too short", length)
	}
	p := make([]byte, length)
	if _, err := io.ReadFull(d.r, p); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	decoded, err := unmarshalPayload(p)
	if err != nil {
		return err
	}
	*m = decoded
	return nil
}
