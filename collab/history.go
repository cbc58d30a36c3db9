package collab

// historyLimit bounds the in-memory edit history. The history is not a
// durable audit log; it is lost on actor restart.
const historyLimit = 100

// editHistory is a fixed-capacity ring of the most recent edits.
type editHistory struct {
	buf   []EditAction
	next  int
	count int
}

func newEditHistory() *editHistory {
	return &editHistory{buf: make([]EditAction, historyLimit)}
}

func (h *editHistory) append(a EditAction) {
	h.buf[h.next] = a
	h.next = (h.next + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
}

// actions returns the retained edits, oldest first.
func (h *editHistory) actions() []EditAction {
	out := make([]EditAction, 0, h.count)
	start := h.next - h.count
	if start < 0 {
		start += len(h.buf)
	}
	for i := 0; i < h.count; i++ {
		out = append(out, h.buf[(start+i)%len(h.buf)])
	}
	return out
}
