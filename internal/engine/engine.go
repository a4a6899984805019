// Package engine defines the capability boundary to the UE5 editor. The real
// implementations live inside the editor's embedded Python interpreter and
// cannot run here; the relay and the probe client only ever see these
// interfaces.
package engine

import (
	"context"
	"fmt"
)

// ActorInfo describes one actor in the loaded level.
type ActorInfo struct {
	Name     string     `json:"name"`
	Class    string     `json:"class"`
	Location [3]float64 `json:"location"`
}

// ViewportInfo describes the editor viewport camera.
type ViewportInfo struct {
	CameraLocation [3]float64 `json:"camera_location"`
	CameraRotation [3]float64 `json:"camera_rotation"`
	LevelName      string     `json:"level_name"`
}

// BlueprintInfo summarizes one Blueprint asset.
type BlueprintInfo struct {
	Path        string   `json:"path"`
	ParentClass string   `json:"parent_class"`
	Components  []string `json:"components,omitempty"`
}

// SceneQuery reads and mutates the loaded level.
type SceneQuery interface {
	DescribeViewport(ctx context.Context) (ViewportInfo, error)
	ListActors(ctx context.Context) ([]ActorInfo, error)
	SpawnActor(ctx context.Context, class string, location [3]float64) (ActorInfo, error)
}

// AssetQuery reads the project's asset registry.
type AssetQuery interface {
	BlueprintInfo(ctx context.Context, path string) (BlueprintInfo, error)
}

// StubScene is an in-memory SceneQuery for tests and the probe client.
type StubScene struct {
	Viewport ViewportInfo
	Actors   []ActorInfo
}

// NewStubScene seeds a small plausible level.
func NewStubScene() *StubScene {
	return &StubScene{
		Viewport: ViewportInfo{
			CameraLocation: [3]float64{0, -500, 250},
			CameraRotation: [3]float64{-15, 0, 0},
			LevelName:      "ThirdPersonMap",
		},
		Actors: []ActorInfo{
			{Name: "Floor", Class: "StaticMeshActor", Location: [3]float64{0, 0, 0}},
			{Name: "PlayerStart", Class: "PlayerStart", Location: [3]float64{0, 0, 100}},
			{Name: "DirectionalLight", Class: "DirectionalLight", Location: [3]float64{0, 0, 400}},
		},
	}
}

func (s *StubScene) DescribeViewport(ctx context.Context) (ViewportInfo, error) {
	return s.Viewport, nil
}

func (s *StubScene) ListActors(ctx context.Context) ([]ActorInfo, error) {
	out := make([]ActorInfo, len(s.Actors))
	copy(out, s.Actors)
	return out, nil
}

func (s *StubScene) SpawnActor(ctx context.Context, class string, location [3]float64) (ActorInfo, error) {
	if class == "" {
		return ActorInfo{}, fmt.Errorf("spawn_actor: class is required")
	}
	actor := ActorInfo{
		Name:     fmt.Sprintf("%s_%d", class, len(s.Actors)),
		Class:    class,
		Location: location,
	}
	s.Actors = append(s.Actors, actor)
	return actor, nil
}

// StubAssets is an in-memory AssetQuery.
type StubAssets struct {
	Blueprints map[string]BlueprintInfo
}

func NewStubAssets() *StubAssets {
	return &StubAssets{
		Blueprints: map[string]BlueprintInfo{
			"/Game/Blueprints/BP_Door": {
				Path:        "/Game/Blueprints/BP_Door",
				ParentClass: "Actor",
				Components:  []string{"StaticMesh", "BoxCollision", "Timeline"},
			},
		},
	}
}

func (s *StubAssets) BlueprintInfo(ctx context.Context, path string) (BlueprintInfo, error) {
	bp, ok := s.Blueprints[path]
	if !ok {
		return BlueprintInfo{}, fmt.Errorf("blueprint not found: %s", path)
	}
	return bp, nil
}
