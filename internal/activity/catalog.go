package activity

import (
	"math/rand"
	"time"

	"github.com/tokymon/sessiond/internal/actuator"
	"github.com/tokymon/sessiond/internal/module"
)

// Registry order is the default session order.
const (
	ObjectIdentification   = "object_identification"
	EnvironmentOrientation = "environment_orientation"
	EmotionAffect          = "emotion_affect"
	BodyMovement           = "body_movement"
	JointAttention         = "joint_attention"
	ObstacleCourse         = "obstacle_course"
	AcademicFoundation     = "academic_foundation"
	SensoryResponse        = "sensory_response"
	ParentCollaboration    = "parent_collaboration"
	BasicCommands          = "basic_commands"
)

type Config struct {
	// TimeScale multiplies every pause and move. Zero means 1.
	TimeScale float64 `koanf:"time_scale"`
}

// Registry returns the activity catalog in its canonical order.
func Registry(cfg Config) (*module.Registry, error) {
	scale := cfg.TimeScale
	scripted := func(name, intro, outro string, steps []Step) module.Entry {
		return module.Entry{Name: name, Factory: func(deps module.Deps) module.Module {
			a := newActivity(name, deps, scale, func() []Step { return steps })
			a.intro, a.outro = intro, outro
			return a
		}}
	}

	return module.NewRegistry(
		scripted(ObjectIdentification, "oi_01_intro.wav", "", []Step{
			{Face: module.FaceGreeting, Say: "oi_02_show_object.wav", Pause: 3 * time.Second},
			{Say: "oi_03_what_is_it.wav", Pause: 3 * time.Second},
			{Face: module.FaceNormal, Say: "oi_04_well_done.wav"},
		}),
		scripted(EnvironmentOrientation, "eo_01_intro.wav", "", []Step{
			{Say: "eo_02_look_around.wav", Pause: 2 * time.Second},
			{Move: actuator.Forward, Pause: time.Second},
			{Pause: time.Second},
			{Move: actuator.Backward, Pause: time.Second},
			{Say: "eo_03_done.wav"},
		}),
		scripted(EmotionAffect, "ea_01_intro.wav", "", []Step{
			{Face: module.FaceGreeting, Say: "ea_02_happy_face.wav", Pause: 2 * time.Second},
			{Face: module.FaceStop, Say: "ea_03_sad_face.wav", Pause: 2 * time.Second},
			{Face: module.FaceNormal, Say: "ea_04_done.wav"},
		}),
		scripted(BodyMovement, "bm_01_intro.wav", "", []Step{
			{Say: "bm_02_follow_me.wav"},
			{Move: actuator.Forward, Pause: 500 * time.Millisecond},
			{Move: actuator.Backward, Pause: 500 * time.Millisecond},
			{Say: "bm_03_your_turn.wav", Pause: 3 * time.Second},
			{Say: "bm_04_done.wav"},
		}),
		scripted(JointAttention, "ja_01_intro.wav", "", []Step{
			{Say: "ja_02_look_at_me.wav", Pause: 2 * time.Second},
			{Say: "ja_03_look_there.wav", Pause: 2 * time.Second},
			{Say: "ja_04_done.wav"},
		}),
		scripted(ObstacleCourse, "oc_01_intro.wav", "", []Step{
			{Move: actuator.Forward, Pause: 2 * time.Second},
			{Say: "oc_02_go_around.wav", Pause: time.Second},
			{Move: actuator.Backward, Pause: 2 * time.Second},
			{Say: "oc_03_done.wav"},
		}),
		scripted(AcademicFoundation, "af_01_intro.wav", "", []Step{
			{Say: "af_02_count_with_me.wav", Pause: 3 * time.Second},
			{Say: "af_03_colors.wav", Pause: 3 * time.Second},
			{Say: "af_04_done.wav"},
		}),
		scripted(SensoryResponse, "sr_01_intro.wav", "", []Step{
			{Face: module.FaceStop, Pause: 2 * time.Second},
			{Face: module.FaceGreeting, Say: "sr_02_lights.wav", Pause: 2 * time.Second},
			{Face: module.FaceNormal, Say: "sr_03_done.wav"},
		}),
		scripted(ParentCollaboration, "pc_01_intro.wav", "", []Step{
			{Say: "pc_02_parent_turn.wav", Pause: 5 * time.Second},
			{Say: "pc_03_thank_you.wav"},
		}),
		module.Entry{Name: BasicCommands, Factory: func(deps module.Deps) module.Module {
			a := newActivity(BasicCommands, deps, scale, basicCommandsScript)
			a.intro, a.outro = "bc_02_session_intro.wav", "bc_15_session_goodbye.wav"
			return a
		}},
	)
}

// commandsPerSession is how many commands basic_commands demonstrates.
const commandsPerSession = 3

var commandSteps = map[string][]Step{
	"greeting": {
		{Say: "bc_01_greeting_hello.wav"},
		{Face: module.FaceGreeting, Pause: 2 * time.Second},
	},
	"forward": {
		{Say: "bc_05_demo_forward.wav"},
		{Move: actuator.Forward, Pause: 5 * time.Second},
		{Say: "bc_10_demo_positive.wav"},
	},
	"backward": {
		{Say: "bc_06_demo_backward.wav"},
		{Move: actuator.Backward, Pause: 5 * time.Second},
		{Say: "bc_10_demo_positive.wav"},
	},
	"stop": {
		{Say: "bc_09_demo_stop.wav"},
		{Face: module.FaceStop, Pause: 5 * time.Second},
		{Face: module.FaceNormal, Say: "bc_10_demo_positive.wav"},
	},
}

var commandNames = []string{"greeting", "forward", "backward", "stop"}

// basicCommandsScript demonstrates a random pick of commands, each followed
// by an observation pause.
func basicCommandsScript() []Step {
	var steps []Step
	for _, i := range rand.Perm(len(commandNames))[:commandsPerSession] {
		steps = append(steps, commandSteps[commandNames[i]]...)
		steps = append(steps, Step{Say: "bc_11_observe_waiting.wav", Pause: 2 * time.Second})
	}
	return append(steps, Step{Say: "bc_14_session_closing.wav"})
}
