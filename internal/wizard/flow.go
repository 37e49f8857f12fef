package wizard

// flow is one category's step set and choice routing.
type flow struct {
	initial Step
	steps   map[Step]bool
	// next maps (step, choice) to the step that answer leads to. Choices
	// without an entry only record the answer.
	next map[choiceKey]Step
	// needsTreatment lists steps that cannot advance to details without a
	// selected treatment.
	needsTreatment map[Step]bool
}

type choiceKey struct {
	step   Step
	choice string
}

const (
	choiceMemberYes = "member:yes"
	choiceMemberNo  = "member:no"
	choiceSpinal    = "spinal"
	choiceTreatment = "treatment"
)

func visitChoice(v VisitCategory) string { return "visit:" + string(v) }

var flows = map[Category]flow{
	CategoryStandard: {
		initial: StepQuestion,
		steps: map[Step]bool{
			StepQuestion: true, StepJoin: true, StepNonmember: true,
			StepDetails: true, StepSuccess: true,
		},
		next: map[choiceKey]Step{
			{StepQuestion, choiceMemberYes}:  StepJoin,
			{StepQuestion, choiceMemberNo}:   StepNonmember,
			{StepJoin, choiceSpinal}:         StepDetails,
			{StepNonmember, choiceTreatment}: StepDetails,
		},
		needsTreatment: map[Step]bool{StepNonmember: true},
	},
	CategoryOffersMassage: {
		initial: StepCategory,
		steps: map[Step]bool{
			StepCategory: true, StepJoin: true, StepMassageOptions: true,
			StepDetails: true, StepSuccess: true,
		},
		next: map[choiceKey]Step{
			{StepCategory, visitChoice(VisitPriorityPass)}: StepJoin,
			{StepCategory, visitChoice(VisitChiropractor)}: StepDetails,
			{StepCategory, visitChoice(VisitMassage)}:      StepMassageOptions,
			{StepJoin, choiceSpinal}:                       StepDetails,
			{StepMassageOptions, choiceTreatment}:          StepDetails,
		},
		needsTreatment: map[Step]bool{StepMassageOptions: true},
	},
}

// flowFor falls back to the standard flow for unknown categories.
func flowFor(c Category) flow {
	if f, ok := flows[c]; ok {
		return f
	}
	return flows[CategoryStandard]
}

// Initial returns the fresh state for a category. Unknown categories get the
// standard flow.
func Initial(c Category) State {
	if _, ok := flows[c]; !ok {
		c = CategoryStandard
	}
	return State{Category: c, CurrentStep: flowFor(c).initial}
}
