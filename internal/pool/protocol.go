package pool

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/bytedance/sonic"

	"github.com/bardlex/ptsminer/internal/work"
)

var fastJSON = sonic.ConfigDefault

// Protocol methods
const (
	MethodAuthorize   = "mining.authorize"
	MethodNotify      = "mining.notify"
	MethodSubmit      = "mining.submit"
	MethodShowMessage = "client.show_message"
)

// Pool error codes
const (
	ErrorOther          = 20
	ErrorStaleShare     = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorParseError     = -32700
)

// Message is one line of the pool protocol. Requests carry an id, pool
// notifications carry a null id.
type Message struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is a pool error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("pool error %d: %s", e.Code, e.Message)
}

// LoginResult is the result of a successful mining.authorize
type LoginResult struct {
	Algorithm string `json:"algorithm"`
}

// WorkParams is the single parameter of mining.notify. Hashes and targets are
// hex encoded in their in-header byte order.
type WorkParams struct {
	Height      uint32   `json:"height"`
	Version     uint32   `json:"version"`
	PrevHash    string   `json:"prevhash"`
	MerkleRoot  string   `json:"merkleroot"`
	TimeBias    int32    `json:"time_bias"`
	NBits       uint32   `json:"nbits"`
	Target      string   `json:"target"`
	ShareTarget string   `json:"share_target"`
	Coinbase1   string   `json:"coinb1"`
	Coinbase2   string   `json:"coinb2"`
	TxHashes    []string `json:"tx_hashes"`
}

// SubmitParams is the single parameter of mining.submit
type SubmitParams struct {
	Height     uint32 `json:"height"`
	Version    uint32 `json:"version"`
	PrevHash   string `json:"prevhash"`
	MerkleRoot string `json:"merkleroot"`
	MerkleSeed string `json:"merkle_seed"`
	NTime      uint32 `json:"ntime"`
	NBits      uint32 `json:"nbits"`
	Nonce      uint32 `json:"nonce"`
	BirthdayA  uint32 `json:"birthday_a"`
	BirthdayB  uint32 `json:"birthday_b"`
	ExtraNonce string `json:"extranonce"`
}

// ParseMessage parses a protocol line
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := fastJSON.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message without the trailing newline
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := fastJSON.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewRequest creates a request with a single-array parameter list
func NewRequest(id uint64, method string, params ...any) (*Message, error) {
	raw, err := fastJSON.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	return &Message{ID: &id, Method: method, Params: raw}, nil
}

// IsResponse returns true if the message answers one of our requests
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// IsNotification returns true if the message is pushed by the pool
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// ParseWork decodes mining.notify parameters
func ParseWork(params json.RawMessage) (*WorkParams, error) {
	var list []WorkParams
	if err := fastJSON.Unmarshal(params, &list); err != nil {
		return nil, fmt.Errorf("invalid notify params: %w", err)
	}
	if len(list) < 1 {
		return nil, fmt.Errorf("insufficient parameters")
	}
	return &list[0], nil
}

// Template converts the notify parameters into a block template for alg.
func (p *WorkParams) Template(alg work.Algorithm) (work.Template, error) {
	t := work.Template{
		Algorithm: alg,
		Version:   p.Version,
		TimeBias:  p.TimeBias,
		NBits:     p.NBits,
		Height:    p.Height,
	}

	var err error
	if err = decodeHash(p.PrevHash, t.PrevHash[:]); err != nil {
		return t, fmt.Errorf("prevhash: %w", err)
	}
	if err = decodeHash(p.MerkleRoot, t.MerkleSeed[:]); err != nil {
		return t, fmt.Errorf("merkleroot: %w", err)
	}
	if err = decodeHash(p.Target, t.Target[:]); err != nil {
		return t, fmt.Errorf("target: %w", err)
	}
	if err = decodeHash(p.ShareTarget, t.ShareTarget[:]); err != nil {
		return t, fmt.Errorf("share_target: %w", err)
	}
	if t.Coinbase1, err = hex.DecodeString(p.Coinbase1); err != nil {
		return t, fmt.Errorf("coinb1: %w", err)
	}
	if t.Coinbase2, err = hex.DecodeString(p.Coinbase2); err != nil {
		return t, fmt.Errorf("coinb2: %w", err)
	}

	t.TxHashes = make([]chainhash.Hash, len(p.TxHashes))
	for i, h := range p.TxHashes {
		if err := decodeHash(h, t.TxHashes[i][:]); err != nil {
			return t, fmt.Errorf("tx_hashes[%d]: %w", i, err)
		}
	}
	return t, nil
}

// NewSubmitParams encodes a share for mining.submit
func NewSubmitParams(s work.Share) SubmitParams {
	return SubmitParams{
		Height:     s.Height,
		Version:    s.Version,
		PrevHash:   hex.EncodeToString(s.PrevHash[:]),
		MerkleRoot: hex.EncodeToString(s.MerkleRoot[:]),
		MerkleSeed: hex.EncodeToString(s.MerkleSeed[:]),
		NTime:      s.NTime,
		NBits:      s.NBits,
		Nonce:      s.Nonce,
		BirthdayA:  s.BirthdayA,
		BirthdayB:  s.BirthdayB,
		ExtraNonce: hex.EncodeToString(s.ExtraNonce),
	}
}

func decodeHash(s string, dst []byte) error {
	if hex.DecodedLen(len(s)) != len(dst) {
		return fmt.Errorf("want %d hex bytes, got %d characters", len(dst), len(s))
	}
	_, err := hex.Decode(dst, []byte(s))
	return err
}
