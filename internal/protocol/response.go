package protocol

import (
	"encoding/json"
	"io"
)

const (
	ResultOK    = 0
	ResultError = -1
)

// Voice describes one voice offered by the engine.
type Voice struct {
	Voice      string   `json:"voice"`
	Engine     string   `json:"engine"`
	Languages  []string `json:"languages"`
	SampleRate int      `json:"sampleRate"`
}

// Response is the status object sent for errors and ahead of an audio stream.
type Response struct {
	ResultCode  int    `json:"resultCode"`
	Description string `json:"description"`
	SampleRate  int    `json:"sampleRate,omitempty"`
}

func ErrorResponse(description string) Response {
	return Response{ResultCode: ResultError, Description: description}
}

func StreamHeader(sampleRate int) Response {
	return Response{ResultCode: ResultOK, Description: "OK", SampleRate: sampleRate}
}

// WriteJSONLine writes v as one newline terminated JSON document in a single write.
func WriteJSONLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
