package callxml

import "encoding/xml"

// Response is the root of a call-control document. Verbs run in order.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

type Say struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type Pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr,omitempty"`
}

// Gather collects keypresses and/or speech and posts them to Action.
type Gather struct {
	XMLName             xml.Name `xml:"Gather"`
	Input               string   `xml:"input,attr,omitempty"`
	NumDigits           int      `xml:"numDigits,attr,omitempty"`
	Timeout             int      `xml:"timeout,attr,omitempty"`
	SpeechTimeout       string   `xml:"speechTimeout,attr,omitempty"`
	Action              string   `xml:"action,attr,omitempty"`
	Method              string   `xml:"method,attr,omitempty"`
	ActionOnEmptyResult bool     `xml:"actionOnEmptyResult,attr,omitempty"`
	Prompt              []any
}

type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

// Message answers an inbound text.
type Message struct {
	XMLName xml.Name `xml:"Message"`
	Body    string   `xml:",chardata"`
}
