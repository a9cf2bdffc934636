// Package gateway runs the edge admission pipeline in front of the origin
// service: an ordered list of stages, each of which either lets the request
// continue or rejects it with a status and body.
package gateway

import (
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"gasplant.org/internal/obs"
)

// Outcome is a stage verdict. Request, when set, replaces the request seen
// by later stages and the upstream handler.
type Outcome struct {
	Continue bool
	Status   int
	Body     []byte
	Request  *http.Request
}

// Next lets the request through, optionally swapping in r.
func Next(r *http.Request) Outcome {
	return Outcome{Continue: true, Request: r}
}

// Reject stops the pipeline with status and body.
func Reject(status int, body []byte) Outcome {
	return Outcome{Status: status, Body: body}
}

// Stage is one admission check. h is the response header map, which stages
// may decorate whether or not they reject.
type Stage interface {
	Name() string
	Admit(r *http.Request, h http.Header) Outcome
}

// Pipeline runs stages strictly in order and hands admitted requests to next.
type Pipeline struct {
	stages []Stage
	next   http.Handler
}

func NewPipeline(next http.Handler, stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, next: next}
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, st := range p.stages {
		if r.Context().Err() != nil {
			// client went away
			return
		}
		out := st.Admit(r, w.Header())
		if !out.Continue {
			p.reject(w, st.Name(), out)
			return
		}
		if out.Request != nil {
			r = out.Request
		}
	}
	if r.Context().Err() != nil {
		return
	}
	p.next.ServeHTTP(w, r)
}

func (p *Pipeline) reject(w http.ResponseWriter, stage string, out Outcome) {
	status := out.Status
	if status == 0 {
		status = http.StatusForbidden
	}
	obs.GatewayRejections.WithLabelValues(stage, strconv.Itoa(status)).Inc()
	obs.Logger().WithFields(logrus.Fields{"stage": stage, "status": status}).Debug("request rejected")
	body := out.Body
	if body == nil {
		body = messageBody(http.StatusText(status))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func messageBody(msg string) []byte {
	return []byte(`{"message":` + strconv.Quote(msg) + `}`)
}
