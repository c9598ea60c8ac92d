package callsession

import (
	"strconv"
	"strings"

	"voip-notify/internal/callxml"
	"voip-notify/internal/conversation"
)

const GatherPath = "/provider/voice/gather"

type Options struct {
	// BaseURL is the public URL gather actions post back to.
	BaseURL       string
	Voice         string
	GatherTimeout int
}

func (o Options) gatherAction(round int) string {
	return strings.TrimRight(o.BaseURL, "/") + GatherPath + "?seq=" + strconv.Itoa(round)
}

// render turns a decision into the document for the given next gather round.
func (o Options) render(d conversation.Decision, nextRound int) ([]byte, error) {
	doc := callxml.New()
	if d.Action != conversation.ActionGather {
		if d.Text != "" {
			doc.Say(o.Voice, d.Text)
		}
		return doc.Hangup().Render()
	}
	return o.renderGather(spoken(d), nextRound)
}

func (o Options) renderGather(text string, nextRound int) ([]byte, error) {
	return callxml.New().Gather(callxml.Gather{
		Input:               "dtmf speech",
		NumDigits:           1,
		Timeout:             o.GatherTimeout,
		SpeechTimeout:       "auto",
		Action:              o.gatherAction(nextRound),
		Method:              "POST",
		ActionOnEmptyResult: true,
		Prompt:              []any{callxml.Say{Voice: o.Voice, Text: text}},
	}).Render()
}

func (o Options) renderHangup(text string) ([]byte, error) {
	doc := callxml.New()
	if text != "" {
		doc.Say(o.Voice, text)
	}
	return doc.Hangup().Render()
}

func emptyDocument() []byte {
	out, _ := callxml.New().Render()
	return out
}

// spoken is the full system line of a decision as recorded in the transcript.
func spoken(d conversation.Decision) string {
	if d.Prompt == "" {
		return d.Text
	}
	if d.Text == "" {
		return d.Prompt
	}
	return d.Text + " " + d.Prompt
}
