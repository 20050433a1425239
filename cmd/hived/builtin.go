package main

import (
	"context"
	"encoding/json"

	"github.com/roasbeef/hive/internal/config"
	"github.com/roasbeef/hive/internal/errdefs"
	"github.com/roasbeef/hive/internal/runtime"
)

// kvActor is the built-in durable key-value actor. Each actor id is one
// namespace; entries live in per-key state slots so concurrent namespaces
// never contend.
type kvActor struct {
	state *runtime.StateHandle
}

func (a *kvActor) OnActivate(_ context.Context,
	h *runtime.StateHandle) error {

	a.state = h

	return nil
}

type kvPutArgs struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type kvKeyArgs struct {
	Key string `json:"key"`
}

// registerBuiltins installs the actor types every silo hosts out of the
// box. Embedders running the runtime as a library register their own types
// instead.
func registerBuiltins(registry *runtime.Registry,
	cfg config.Config) error {

	policy, err := cfg.MailboxPolicy()
	if err != nil {
		return err
	}

	return registry.Register(runtime.Type{
		Name:            "KV",
		Factory:         func() any { return &kvActor{} },
		MailboxCapacity: cfg.Mailbox.Capacity,
		MailboxPolicy:   policy,
		Methods: map[string]runtime.MethodHandler{
			"Put": func(ctx context.Context, inst any,
				args []byte) ([]byte, error) {

				var put kvPutArgs
				if err := json.Unmarshal(args, &put); err != nil {
					return nil, errdefs.Wrap(
						errdefs.KindMarshalling, err,
						"decode put args",
					)
				}

				a := inst.(*kvActor)
				slot := "kv/" + put.Key

				// Track the slot's current version so the
				// staged write carries the right guard.
				var existing json.RawMessage
				_, err := a.state.Load(ctx, slot, &existing)
				if err != nil {
					return nil, err
				}

				return nil, a.state.Stage(slot, put.Value)
			},
			"Get": func(ctx context.Context, inst any,
				args []byte) ([]byte, error) {

				var get kvKeyArgs
				if err := json.Unmarshal(args, &get); err != nil {
					return nil, errdefs.Wrap(
						errdefs.KindMarshalling, err,
						"decode get args",
					)
				}

				a := inst.(*kvActor)
				var value json.RawMessage
				found, err := a.state.Load(
					ctx, "kv/"+get.Key, &value,
				)
				if err != nil {
					return nil, err
				}
				if !found {
					return nil, errdefs.New(
						errdefs.KindNotFound,
						"no entry for %q", get.Key,
					)
				}

				return value, nil
			},
			"Delete": func(ctx context.Context, inst any,
				args []byte) ([]byte, error) {

				var del kvKeyArgs
				if err := json.Unmarshal(args, &del); err != nil {
					return nil, errdefs.Wrap(
						errdefs.KindMarshalling, err,
						"decode delete args",
					)
				}

				a := inst.(*kvActor)
				slot := "kv/" + del.Key

				var existing json.RawMessage
				_, err := a.state.Load(ctx, slot, &existing)
				if err != nil {
					return nil, err
				}

				return nil, a.state.Delete(ctx, slot)
			},
		},
	})
}
