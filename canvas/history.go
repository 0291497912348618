package canvas

import (
	"github.com/golang/glog"
)

// the document as seen by undo and redo
type HistoryTarget interface {
	Live(elementId string) bool
	// the client that deleted the element, or "" if it is not deleted
	DeletedBy(elementId string) string
	// assigns a fresh logical id, applies, and sends
	Emit(op Op) (*Delta, error)
}

type HistorySettings struct {
	MaxDepth int
}

func DefaultHistorySettings() *HistorySettings {
	return &HistorySettings{
		MaxDepth: 200,
	}
}

type historyEntry struct {
	id      LogicalId
	forward Op
	inverse []Op
}

type HistoryResult struct {
	// the target was deleted by another client and nothing was emitted
	Noop   bool
	Deltas []*Delta
}

// per client undo and redo stacks. Never transmitted.
// Undo emits new inverse deltas; applied deltas are never removed.
type History struct {
	clientId string
	settings *HistorySettings

	undos []*historyEntry
	redos []*historyEntry
	// element id -> replacement element id, from re-creating a tombstoned element
	aliases map[string]string
}

func NewHistoryWithDefaults(clientId string) *History {
	return NewHistory(clientId, DefaultHistorySettings())
}

func NewHistory(clientId string, settings *HistorySettings) *History {
	return &History{
		clientId: clientId,
		settings: settings,
		undos:    []*historyEntry{},
		redos:    []*historyEntry{},
		aliases:  map[string]string{},
	}
}

// records a local edit. `inverse` restores the state before `forward`.
// A new edit clears the redo stack.
func (self *History) Record(id LogicalId, forward Op, inverse []Op) {
	self.undos = append(self.undos, &historyEntry{
		id:      id,
		forward: forward.Clone(),
		inverse: cloneOps(inverse),
	})
	if 0 < self.settings.MaxDepth && self.settings.MaxDepth < len(self.undos) {
		self.undos = self.undos[len(self.undos)-self.settings.MaxDepth:]
	}
	self.redos = self.redos[:0]
}

// nil when there is nothing to undo
func (self *History) Undo(target HistoryTarget) (*HistoryResult, error) {
	if len(self.undos) == 0 {
		return nil, nil
	}
	entry := self.undos[len(self.undos)-1]
	self.undos = self.undos[:len(self.undos)-1]

	result, err := self.emit(target, entry.inverse)
	if err != nil {
		return nil, err
	}
	if !result.Noop {
		self.redos = append(self.redos, entry)
	}
	return result, nil
}

// nil when there is nothing to redo
func (self *History) Redo(target HistoryTarget) (*HistoryResult, error) {
	if len(self.redos) == 0 {
		return nil, nil
	}
	entry := self.redos[len(self.redos)-1]
	self.redos = self.redos[:len(self.redos)-1]

	result, err := self.emit(target, []Op{entry.forward})
	if err != nil {
		return nil, err
	}
	if !result.Noop {
		self.undos = append(self.undos, entry)
	}
	return result, nil
}

func (self *History) CanUndo() bool {
	return 0 < len(self.undos)
}

func (self *History) CanRedo() bool {
	return 0 < len(self.redos)
}

func (self *History) Clear() {
	self.undos = []*historyEntry{}
	self.redos = []*historyEntry{}
	self.aliases = map[string]string{}
}

// the current id of an element that may have been re-created
func (self *History) Resolve(elementId string) string {
	for i, n := 0, len(self.aliases); i < n; i++ {
		next, ok := self.aliases[elementId]
		if !ok {
			break
		}
		elementId = next
	}
	return elementId
}

func (self *History) emit(target HistoryTarget, ops []Op) (*HistoryResult, error) {
	resolved := make([]Op, 0, len(ops))
	for _, op := range ops {
		op = op.Clone()
		op.Target = self.Resolve(op.Target)
		if deletedBy := target.DeletedBy(op.Target); deletedBy != "" && deletedBy != self.clientId {
			glog.V(1).Infof("[h]%s noop %s deleted by %s\n", self.clientId, op.Target, deletedBy)
			return &HistoryResult{
				Noop: true,
			}, nil
		}
		resolved = append(resolved, op)
	}

	deltas := []*Delta{}
	for _, op := range resolved {
		if op.Kind == OpCreate {
			if !target.Live(op.Target) && target.DeletedBy(op.Target) != "" {
				// tombstones are sticky. Re-create under a fresh id.
				elementId := NewId()
				self.aliases[op.Target] = elementId
				op.Target = elementId
				op.Element.Id = elementId
			} else if target.Live(op.Target) {
				continue
			}
		} else if !target.Live(op.Target) {
			continue
		}
		delta, err := target.Emit(op)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, delta)
	}
	return &HistoryResult{
		Deltas: deltas,
	}, nil
}

func cloneOps(ops []Op) []Op {
	clones := make([]Op, 0, len(ops))
	for _, op := range ops {
		clones = append(clones, op.Clone())
	}
	return clones
}
