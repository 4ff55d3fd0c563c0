package protocol

import "strings"

const (
	listBegin   = "command_list_begin\n"
	listOKBegin = "command_list_ok_begin\n"
	listEnd     = "command_list_end\n"

	// ListOK is the delimiter line the server emits after each sub-command
	// of a command_list_ok_begin list.
	ListOK = "list_OK"
)

// Batch is an ordered group of commands sent in one round trip.
type Batch struct {
	cmds   []Command
	length int
}

// NewBatch creates a batch holding cmds.
func NewBatch(cmds ...Command) *Batch {
	b := &Batch{cmds: make([]Command, 0, len(cmds))}
	for _, c := range cmds {
		b.Add(c)
	}
	return b
}

// Add appends a command.
func (b *Batch) Add(c Command) {
	b.cmds = append(b.cmds, c)
	b.length += c.Len()
}

// Append appends every command of other.
func (b *Batch) Append(other *Batch) {
	b.cmds = append(b.cmds, other.cmds...)
	b.length += other.length
}

// Len is the number of commands.
func (b *Batch) Len() int { return len(b.cmds) }

// Commands returns the queued commands.
func (b *Batch) Commands() []Command { return b.cmds }

// At returns the command at index i, or false when i is out of range.
func (b *Batch) At(i int) (Command, bool) {
	if i < 0 || i >= len(b.cmds) {
		return Command{}, false
	}
	return b.cmds[i], true
}

// Retryable is true only when every command in the batch is.
func (b *Batch) Retryable() bool {
	for _, c := range b.cmds {
		if !c.Retryable() {
			return false
		}
	}
	return true
}

// Size is the exact length of the string Render (or RenderSeparated when
// separated is set) produces.
func (b *Batch) Size(separated bool) int {
	switch len(b.cmds) {
	case 0:
		return 0
	case 1:
		return b.length
	}
	if separated {
		return len(listOKBegin) + b.length + len(listEnd)
	}
	return len(listBegin) + b.length + len(listEnd)
}

// Render returns the wire text: the bare command for a single command or a
// command_list_begin envelope for several.
func (b *Batch) Render() string {
	return b.render(false)
}

// RenderSeparated is like Render but asks the server for a list_OK line
// after each sub-command.
func (b *Batch) RenderSeparated() string {
	return b.render(true)
}

func (b *Batch) render(separated bool) string {
	if len(b.cmds) == 0 {
		return ""
	}
	if len(b.cmds) == 1 {
		return b.cmds[0].String()
	}
	var sb strings.Builder
	sb.Grow(b.Size(separated))
	if separated {
		sb.WriteString(listOKBegin)
	} else {
		sb.WriteString(listBegin)
	}
	for _, c := range b.cmds {
		sb.WriteString(c.String())
	}
	sb.WriteString(listEnd)
	return sb.String()
}

// Name is a short description of the batch for logs.
func (b *Batch) Name() string {
	switch len(b.cmds) {
	case 0:
		return ""
	case 1:
		return b.cmds[0].Verb
	}
	return "command_list(" + b.cmds[0].Verb + ",...)"
}
