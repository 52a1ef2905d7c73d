package phase

import "github.com/MSA-I/RE-TOUR-sub007/internal/types"

// Phase names used by registry v1.
const (
	FloorPlanPending     types.Phase = "floor_plan_pending"
	FloorPlanAnalyzing   types.Phase = "floor_plan_analyzing"
	FloorPlanReview      types.Phase = "floor_plan_review"
	SpaceAnalysisPending types.Phase = "space_analysis_pending"
	SpaceAnalysisRunning types.Phase = "space_analysis_running"
	SpaceAnalysisReview  types.Phase = "space_analysis_review"
	StylePending         types.Phase = "style_pending"
	StyleRunning         types.Phase = "style_running"
	StyleReview          types.Phase = "style_review"
	RenderPending        types.Phase = "render_pending"
	RenderRunning        types.Phase = "render_running"
	RenderReview         types.Phase = "render_review"
	CameraPending        types.Phase = "camera_pending"
	CameraRunning        types.Phase = "camera_running"
	CameraReview         types.Phase = "camera_review"
	Completed            types.Phase = "completed"
)

var v1Steps = []StepSpec{
	{
		Number: 0, Name: "floor_plan", Service: types.ServiceVision, Artifact: types.ArtifactFloorPlan,
		Schema: "floor_plan.schema.json",
		Entry:  FloorPlanPending, Running: FloorPlanAnalyzing, Review: FloorPlanReview,
	},
	{
		Number: 1, Name: "space_analysis", Service: types.ServiceVision, Artifact: types.ArtifactSpaceMap,
		Schema: "space_analysis.schema.json",
		Entry:  SpaceAnalysisPending, Running: SpaceAnalysisRunning, Review: SpaceAnalysisReview,
	},
	{
		Number: 2, Name: "style", Service: types.ServiceRender, Artifact: types.ArtifactStyleBoard,
		Schema: "style.schema.json",
		Entry:  StylePending, Running: StyleRunning, Review: StyleReview,
	},
	{
		Number: 3, Name: "render", Service: types.ServiceRender, Artifact: types.ArtifactRender,
		Schema: "render.schema.json",
		Entry:  RenderPending, Running: RenderRunning, Review: RenderReview,
	},
	{
		Number: 4, Name: "camera", Service: types.ServiceCamera, Artifact: types.ArtifactCameraView,
		Schema: "camera.schema.json",
		Entry:  CameraPending, Running: CameraRunning, Review: CameraReview,
	},
	{
		Number: 5, Name: "completed", Entry: Completed,
	},
}

// V1 returns registry version 1.
func V1() *Registry {
	r, err := NewRegistry(1, v1Steps)
	if err != nil {
		panic(err)
	}
	return r
}

// Default returns the set of every shipped registry version.
func Default() *Set {
	s, err := NewSet(V1())
	if err != nil {
		panic(err)
	}
	return s
}
