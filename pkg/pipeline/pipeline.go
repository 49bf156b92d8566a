package pipeline

// Pipeline is an ordered list of stages. It is fixed once handed to a task.
type Pipeline struct {
	stages []Processor
}

// New creates a pipeline from stages in order.
func New(stages ...Processor) *Pipeline {
	return &Pipeline{stages: append([]Processor(nil), stages...)}
}

// Stages returns a copy of the stage list.
func (p *Pipeline) Stages() []Processor {
	return append([]Processor(nil), p.stages...)
}

// StageNames returns stage names in order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Len returns the number of stages.
func (p *Pipeline) Len() int { return len(p.stages) }
