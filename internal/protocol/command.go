package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	MethodEnumerateVoices = "enumerateVoices"
	MethodTTSStream       = "ttsStream"

	// Spellings used by older clients.
	methodEnumerateVoicesLegacy = "enumerate_voices"
	methodTTSStreamLegacy       = "tts_stream"
)

var (
	ErrMalformed    = errors.New("malformed command")
	ErrMissingField = errors.New("missing field")
)

// Command is one decoded request line. It is one of EnumerateVoices, TTSStream or Unknown.
type Command interface {
	isCommand()
}

// EnumerateVoices asks for the voices the engine offers.
type EnumerateVoices struct{}

// TTSStream asks for text to be synthesized and streamed back as framed PCM.
type TTSStream struct {
	Text     string `json:"text"`
	Voice    string `json:"voice"`
	Engine   string `json:"engine"`
	Language string `json:"language"`
}

// Unknown carries a method the server does not implement. It is answered with silence.
type Unknown struct {
	Method string
}

func (EnumerateVoices) isCommand() {}
func (TTSStream) isCommand()       {}
func (Unknown) isCommand()         {}

type rawCommand struct {
	Method   *string `json:"method"`
	Text     *string `json:"text"`
	Voice    *string `json:"voice"`
	Engine   *string `json:"engine"`
	Language *string `json:"language"`
}

// DecodeCommand parses a single request line.
func DecodeCommand(line []byte) (Command, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformed)
	}
	var raw rawCommand
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Method == nil {
		return nil, fmt.Errorf("%w %q", ErrMissingField, "method")
	}

	switch *raw.Method {
	case MethodEnumerateVoices, methodEnumerateVoicesLegacy:
		return EnumerateVoices{}, nil
	case MethodTTSStream, methodTTSStreamLegacy:
		return decodeTTSStream(raw)
	default:
		return Unknown{Method: *raw.Method}, nil
	}
}

func decodeTTSStream(raw rawCommand) (Command, error) {
	fields := []struct {
		name  string
		value *string
	}{
		{"text", raw.Text},
		{"voice", raw.Voice},
		{"engine", raw.Engine},
		{"language", raw.Language},
	}
	for _, f := range fields {
		if f.value == nil {
			return nil, fmt.Errorf("%w %q", ErrMissingField, f.name)
		}
	}
	return TTSStream{
		Text:     *raw.Text,
		Voice:    *raw.Voice,
		Engine:   *raw.Engine,
		Language: *raw.Language,
	}, nil
}

// EncodeCommand renders a command as a request line without the trailing newline.
func EncodeCommand(cmd Command) ([]byte, error) {
	switch c := cmd.(type) {
	case EnumerateVoices:
		return json.Marshal(struct {
			Method string `json:"method"`
		}{MethodEnumerateVoices})
	case TTSStream:
		return json.Marshal(struct {
			Method string `json:"method"`
			TTSStream
		}{MethodTTSStream, c})
	case Unknown:
		return json.Marshal(struct {
			Method string `json:"method"`
		}{c.Method})
	default:
		return nil, fmt.Errorf("unsupported command %T", cmd)
	}
}
