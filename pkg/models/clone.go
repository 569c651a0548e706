package models

import "maps"

// Clone returns a copy safe to hand across goroutine boundaries. Slice and
// map fields are copied one level deep, which covers every mutation the hub
// performs; nested payload values are treated as immutable.

func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	out := *a
	out.Capabilities = a.Capabilities.clone()
	out.Metadata = maps.Clone(a.Metadata)
	if a.Health != nil {
		h := *a.Health
		h.Components = append([]ComponentCheck(nil), a.Health.Components...)
		out.Health = &h
	}
	return &out
}

func (c Capabilities) clone() Capabilities {
	out := c
	out.Domains = append([]string(nil), c.Domains...)
	out.Actions = append([]string(nil), c.Actions...)
	out.Tools = append([]string(nil), c.Tools...)
	return out
}

func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	out := *t
	out.Metadata = maps.Clone(t.Metadata)
	if t.Summary != nil {
		s := *t.Summary
		out.Summary = &s
	}
	if t.ClosedAt != nil {
		ts := *t.ClosedAt
		out.ClosedAt = &ts
	}
	return &out
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	return &out
}

func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Input = r.Input.clone()
	if r.Output != nil {
		o := *r.Output
		o.Data = maps.Clone(r.Output.Data)
		o.Artifacts = append([]Artifact(nil), r.Output.Artifacts...)
		out.Output = &o
	}
	if r.Error != nil {
		e := *r.Error
		e.Details = maps.Clone(r.Error.Details)
		out.Error = &e
	}
	out.Steps = CloneSteps(r.Steps)
	if r.QueuedAt != nil {
		ts := *r.QueuedAt
		out.QueuedAt = &ts
	}
	if r.StartedAt != nil {
		ts := *r.StartedAt
		out.StartedAt = &ts
	}
	if r.CompletedAt != nil {
		ts := *r.CompletedAt
		out.CompletedAt = &ts
	}
	return &out
}

func (i RunInput) clone() RunInput {
	out := i
	out.Messages = append([]RunMessage(nil), i.Messages...)
	out.Payload = maps.Clone(i.Payload)
	return out
}

func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	out := *s
	out.Input = maps.Clone(s.Input)
	out.Output = maps.Clone(s.Output)
	if s.Error != nil {
		e := *s.Error
		e.Details = maps.Clone(s.Error.Details)
		out.Error = &e
	}
	if s.StartedAt != nil {
		ts := *s.StartedAt
		out.StartedAt = &ts
	}
	if s.EndedAt != nil {
		ts := *s.EndedAt
		out.EndedAt = &ts
	}
	return &out
}

// CloneSteps copies a step list.
func CloneSteps(steps []*Step) []*Step {
	if steps == nil {
		return nil
	}
	out := make([]*Step, len(steps))
	for i, s := range steps {
		out[i] = s.Clone()
	}
	return out
}

func (i *Interrupt) Clone() *Interrupt {
	if i == nil {
		return nil
	}
	out := *i
	out.Payload.Options = append([]string(nil), i.Payload.Options...)
	out.Payload.ProposedAction = maps.Clone(i.Payload.ProposedAction)
	out.Payload.Details = maps.Clone(i.Payload.Details)
	if i.Response != nil {
		r := *i.Response
		out.Response = &r
	}
	if i.ResolvedAt != nil {
		ts := *i.ResolvedAt
		out.ResolvedAt = &ts
	}
	return &out
}

func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.Steps = CloneSteps(c.Steps)
	return &out
}

func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	out.Payload = append([]byte(nil), e.Payload...)
	return &out
}
