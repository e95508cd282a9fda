package protocol

func (m *Message) checkConstructive() error {
	if m.corrupted || !m.constructive {
		return ErrNotConstructible
	}
	return nil
}

// setWritten replaces the chunk list and re-derives the body from it.
func (m *Message) setWritten(values []Value) error {
	body, err := Encode(values...)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		values = nil
	}
	m.written = values
	m.body = body
	m.invalidate()
	return nil
}

// Append encodes values onto the end of the body.
func (m *Message) Append(values ...Value) error {
	if err := m.checkConstructive(); err != nil {
		return err
	}
	next := make([]Value, 0, len(m.written)+len(values))
	next = append(next, m.written...)
	return m.setWritten(append(next, values...))
}

// ClearChunks empties the chunk list and the body.
func (m *Message) ClearChunks() error {
	if err := m.checkConstructive(); err != nil {
		return err
	}
	return m.setWritten(nil)
}

// RemoveChunk removes the chunk written at rank. Out of range ranks are ignored.
func (m *Message) RemoveChunk(rank int) error {
	if err := m.checkConstructive(); err != nil {
		return err
	}
	if rank < 0 || rank >= len(m.written) {
		return nil
	}
	next := make([]Value, 0, len(m.written)-1)
	next = append(next, m.written[:rank]...)
	return m.setWritten(append(next, m.written[rank+1:]...))
}

// ReplaceChunk swaps the chunk written at rank for v. Out of range ranks are ignored.
func (m *Message) ReplaceChunk(rank int, v Value) error {
	if err := m.checkConstructive(); err != nil {
		return err
	}
	if rank < 0 || rank >= len(m.written) {
		return nil
	}
	next := append([]Value(nil), m.written...)
	next[rank] = v
	return m.setWritten(next)
}

// PushChunk moves the chunk at rank jump places towards the end.
func (m *Message) PushChunk(rank, jump int) error {
	return m.moveChunk(rank, jump, true)
}

// PullChunk moves the chunk at rank jump places towards the start.
func (m *Message) PullChunk(rank, jump int) error {
	return m.moveChunk(rank, jump, false)
}

func (m *Message) moveChunk(rank, jump int, push bool) error {
	if err := m.checkConstructive(); err != nil {
		return err
	}
	if jump < 1 || rank < 0 || rank >= len(m.written) {
		return nil
	}
	target := rank - jump
	if push {
		target = rank + jump
	}
	target = min(max(target, 0), len(m.written)-1)

	chunk := m.written[rank]
	next := make([]Value, 0, len(m.written))
	next = append(next, m.written[:rank]...)
	next = append(next, m.written[rank+1:]...)
	next = append(next[:target], append([]Value{chunk}, next[target:]...)...)
	return m.setWritten(next)
}

// Remove removes the kind-typed field at the cursor.
func (m *Message) Remove(kind Kind) error {
	return m.RemoveAt(kind, m.position)
}

// Replace overwrites the kind-typed field at the cursor with v.
func (m *Message) Replace(kind Kind, v Value) error {
	return m.ReplaceAt(kind, m.position, v)
}

// RemoveAt cuts the kind-typed field starting at byte offset index.
func (m *Message) RemoveAt(kind Kind, index int) error {
	if err := m.checkConstructive(); err != nil {
		return err
	}
	span, err := m.fieldSize(kind, index)
	if err != nil {
		return err
	}
	return m.splice(index, span, nil)
}

// ReplaceAt overwrites the kind-typed field starting at byte offset index.
func (m *Message) ReplaceAt(kind Kind, index int, v Value) error {
	if err := m.checkConstructive(); err != nil {
		return err
	}
	span, err := m.fieldSize(kind, index)
	if err != nil {
		return err
	}
	if _, err := Encode(v); err != nil {
		return err
	}
	return m.splice(index, span, &v)
}

// splice rewrites body[index:index+span]. When the span is exactly one
// written chunk the chunk list is edited in place; otherwise the list
// collapses to a single raw chunk so the body stays derivable from it.
func (m *Message) splice(index, span int, v *Value) error {
	offset := 0
	for rank, chunk := range m.written {
		size := chunk.Size()
		if offset == index && size == span {
			if v == nil {
				return m.RemoveChunk(rank)
			}
			return m.ReplaceChunk(rank, *v)
		}
		if offset > index {
			break
		}
		offset += size
	}

	body := make([]byte, 0, len(m.body)-span)
	body = append(body, m.body[:index]...)
	if v != nil {
		var err error
		if body, err = v.appendTo(body); err != nil {
			return err
		}
	}
	body = append(body, m.body[index+span:]...)
	if len(body) == 0 {
		return m.setWritten(nil)
	}
	return m.setWritten([]Value{Raw(body)})
}
