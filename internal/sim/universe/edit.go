package universe

import (
	"context"
	"errors"
	"fmt"

	"blockgraph.ai/internal/observerproto"
	"blockgraph.ai/internal/protocol"
	"blockgraph.ai/internal/sim/blockworld"
	"blockgraph.ai/internal/sim/graph/model"
	"blockgraph.ai/internal/sim/graph/update"
)

type editError struct {
	code string
	msg  string
}

func (e *editError) Error() string { return e.msg }

func editErr(code, format string, args ...any) error {
	return &editError{code: code, msg: fmt.Sprintf(format, args...)}
}

func badRequest(format string, args ...any) error {
	return editErr(protocol.ErrBadRequest, format, args...)
}

// ParseBlock converts a wire block description into a block.
func ParseBlock(spec protocol.BlockSpec) (blockworld.Block, error) {
	k, err := blockworld.ParseKind(spec.Kind)
	if err != nil {
		return blockworld.Block{}, editErr(protocol.ErrUnknownBlock, "%v", err)
	}
	b := blockworld.Block{Kind: k}
	switch k {
	case blockworld.Panel:
		if len(spec.Faces) == 0 {
			return b, badRequest("panel needs at least one face")
		}
		for _, f := range spec.Faces {
			d, err := model.ParseDirection(f)
			if err != nil {
				return b, editErr(protocol.ErrBadFace, "%v", err)
			}
			b = b.WithFace(d)
		}
	case blockworld.Switch:
		b.On = spec.On
	}
	return b, nil
}

func (inst *Instance) applyOp(op protocol.Op) (update.Result, error) {
	col := model.ColumnPos{X: op.Column[0], Z: op.Column[1]}
	switch op.Op {
	case protocol.OpSetBlock:
		if op.Block == nil {
			return update.Result{}, badRequest("SET_BLOCK needs a block")
		}
		b, err := ParseBlock(*op.Block)
		if err != nil {
			return update.Result{}, err
		}
		inst.Last = update.Result{}
		inst.Blocks.SetBlock(model.PosFromArray(op.Pos), b)
		return inst.Last, nil
	case protocol.OpLoadColumn:
		inst.Blocks.LoadColumn(col)
	case protocol.OpUnloadColumn:
		inst.Blocks.UnloadColumn(col)
	case protocol.OpRescan:
		return inst.Rescan(col), nil
	default:
		return update.Result{}, badRequest("unknown op %q", op.Op)
	}
	return update.Result{}, nil
}

// ApplyEdit runs the ops of msg against its world. It must be called from the Run loop
// or while nothing else uses the universe.
func (u *Universe) ApplyEdit(msg protocol.EditMsg) protocol.ResultMsg {
	res := protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		Ref:             msg.Ref,
		OK:              true,
		Tick:            u.tick,
	}
	id := msg.World
	if id == "" {
		id = u.defaultID
	}
	inst, ok := u.worlds[id]
	if !ok {
		res.OK, res.Code, res.Message = false, protocol.ErrWorldNotFound, fmt.Sprintf("unknown world %q", id)
		return res
	}
	for i, op := range msg.Ops {
		r, err := inst.applyOp(op)
		if err != nil {
			res.OK = false
			res.Code = protocol.ErrInternal
			var ee *editError
			if errors.As(err, &ee) {
				res.Code = ee.code
			}
			res.Message = fmt.Sprintf("op %d: %v", i, err)
			return res
		}
		res.Applied++
		res.Added += len(r.Added)
		res.Removed += len(r.Removed)
		res.Linked += r.Linked
		res.Unlinked += r.Unlinked
	}
	return res
}

// Edit applies msg on the Run loop.
func (u *Universe) Edit(ctx context.Context, msg protocol.EditMsg) protocol.ResultMsg {
	var res protocol.ResultMsg
	err := u.Do(ctx, func(u *Universe) error {
		res = u.ApplyEdit(msg)
		return nil
	})
	if err != nil {
		return protocol.ResultMsg{
			Type:            protocol.TypeResult,
			ProtocolVersion: protocol.Version,
			Ref:             msg.Ref,
			Code:            protocol.ErrWorldBusy,
			Message:         err.Error(),
		}
	}
	return res
}

// Welcome describes the universe to a new edit client.
func (u *Universe) Welcome(ctx context.Context) (protocol.WelcomeMsg, error) {
	msg := protocol.WelcomeMsg{Type: protocol.TypeWelcome, ProtocolVersion: protocol.Version}
	err := u.Do(ctx, func(u *Universe) error {
		msg.Tick = u.tick
		msg.DefaultWorld = u.defaultID
		msg.Worlds = u.WorldIDs()
		return nil
	})
	return msg, err
}

// Bootstrap describes the worlds to a new observer.
func (u *Universe) Bootstrap(ctx context.Context) (observerproto.BootstrapResponse, error) {
	var resp observerproto.BootstrapResponse
	err := u.Do(ctx, func(u *Universe) error {
		resp.Tick = u.tick
		resp.TickRateHz = u.cfg.TickRateHz
		for _, id := range u.types.NodeTypeIDs() {
			resp.NodeTypes = append(resp.NodeTypes, string(id))
		}
		for _, id := range u.WorldIDs() {
			g := u.worlds[id].Graphs
			resp.Worlds = append(resp.Worlds, observerproto.WorldInfo{
				ID:      id,
				Graphs:  g.GraphIDs(),
				Nodes:   g.NodeCount(),
				LastSeq: g.LastSeq(),
			})
		}
		return nil
	})
	return resp, err
}
