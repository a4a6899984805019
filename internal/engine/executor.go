package engine

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/forge3d/uerelay/internal/protocol"
)

// Executor maps relay commands onto the capability interfaces. It is what an
// engine-side client runs against each drained command.
type Executor struct {
	scene  SceneQuery
	assets AssetQuery
}

// NewExecutor builds an executor over the given capabilities.
func NewExecutor(scene SceneQuery, assets AssetQuery) *Executor {
	return &Executor{scene: scene, assets: assets}
}

// Actions the executor understands.
const (
	ActionDescribeViewport = "describe_viewport"
	ActionGetSceneInfo     = "get_scene_info"
	ActionListActors       = "list_actors"
	ActionSpawnActor       = "spawn_actor"
	ActionBlueprintInfo    = "blueprint_info"
)

// Execute runs one command and always produces a Response for its request
// id; action failures become {success:false, error} rather than errors.
func (e *Executor) Execute(ctx context.Context, cmd protocol.Command) protocol.Response {
	data, err := e.run(ctx, cmd)
	if err != nil {
		return protocol.Response{RequestID: cmd.RequestID, Success: false, Error: err.Error()}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return protocol.Response{RequestID: cmd.RequestID, Success: false, Error: err.Error()}
	}
	return protocol.Response{RequestID: cmd.RequestID, Success: true, Data: raw}
}

func (e *Executor) run(ctx context.Context, cmd protocol.Command) (any, error) {
	switch cmd.Action {
	case ActionDescribeViewport, ActionGetSceneInfo:
		return e.scene.DescribeViewport(ctx)
	case ActionListActors:
		return e.scene.ListActors(ctx)
	case ActionSpawnActor:
		class := cmd.Params["class"]
		if class == "" {
			class = firstWord(cmd.Params["input"])
		}
		return e.scene.SpawnActor(ctx, class, parseLocation(cmd.Params["location"]))
	case ActionBlueprintInfo:
		path := cmd.Params["path"]
		if path == "" {
			path = strings.TrimSpace(cmd.Params["input"])
		}
		return e.assets.BlueprintInfo(ctx, path)
	default:
		return nil, &UnknownActionError{Action: cmd.Action}
	}
}

// UnknownActionError marks a command the engine has no handler for.
type UnknownActionError struct{ Action string }

func (e *UnknownActionError) Error() string {
	return "unknown action: " + e.Action
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// parseLocation reads "x,y,z"; malformed input falls back to the origin.
func parseLocation(s string) [3]float64 {
	var loc [3]float64
	parts := strings.Split(s, ",")
	for i := 0; i < len(parts) && i < 3; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return [3]float64{}
		}
		loc[i] = v
	}
	return loc
}
