package model

import "time"

// GateSpec is the desired state of one protected report site, loaded from
// the gate definition file.
type GateSpec struct {
	Hostname        string
	Origin          string
	PagesProject    string
	SessionDuration time.Duration
	AllowedEmails   []string
	Generator       *GeneratorSpec
}

// GeneratorSpec binds the gate to the scheduled report generator container
// so verification can confirm the generation job keeps running.
type GeneratorSpec struct {
	Container string
	MaxAge    time.Duration
}

// DNSRecordSpec describes the alias record that routes the gate hostname
// through the proxy. Proxied stays true: the access gateway only intercepts
// traffic that rides the proxy.
type DNSRecordSpec struct {
	Name    string
	Type    string
	Content string
	Proxied bool
}

// DNSRecord returns the alias record the gate requires.
func (gate GateSpec) DNSRecord() DNSRecordSpec {
	return DNSRecordSpec{
		Name:    gate.Hostname,
		Type:    "CNAME",
		Content: gate.Origin,
		Proxied: true,
	}
}
