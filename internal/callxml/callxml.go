// Package callxml builds the call-control documents returned to the voice
// provider when a call is placed and on every gather callback.
package callxml

import (
	"encoding/xml"
	"fmt"
)

func New() *Response { return &Response{} }

func (r *Response) Say(voice, text string) *Response {
	r.Verbs = append(r.Verbs, Say{Voice: voice, Text: text})
	return r
}

func (r *Response) Pause(seconds int) *Response {
	r.Verbs = append(r.Verbs, Pause{Length: seconds})
	return r
}

func (r *Response) Gather(g Gather) *Response {
	r.Verbs = append(r.Verbs, g)
	return r
}

func (r *Response) Redirect(url string) *Response {
	r.Verbs = append(r.Verbs, Redirect{Method: "POST", URL: url})
	return r
}

func (r *Response) Message(body string) *Response {
	r.Verbs = append(r.Verbs, Message{Body: body})
	return r
}

func (r *Response) Hangup() *Response {
	r.Verbs = append(r.Verbs, Hangup{})
	return r
}

// Render serializes the document with the XML declaration.
func (r *Response) Render() ([]byte, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("render call document: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// DebugString is for logs only.
func (r *Response) DebugString() string {
	return fmt.Sprintf("Response verbs=%d", len(r.Verbs))
}
