package domain

// ProcessPriority is the OS scheduling priority requested from the renderer
type ProcessPriority string

const (
	PriorityDefault ProcessPriority = ""
	PriorityLow     ProcessPriority = "low"
	PriorityNormal  ProcessPriority = "normal"
	PriorityHigh    ProcessPriority = "high"
)

// RenderOptions are the optional renderer switches of a task. The zero value
// of every field means the flag is left out of the command line, so the
// renderer applies its own default.
type RenderOptions struct {
	Threads       int             `json:"threads,omitempty" yaml:"threads,omitempty" validate:"gte=0"`
	UseGPU        bool            `json:"use_gpu,omitempty" yaml:"use_gpu,omitempty"`
	NoGUI         bool            `json:"no_gui,omitempty" yaml:"no_gui,omitempty"`
	BatchMode     bool            `json:"batch_mode,omitempty" yaml:"batch_mode,omitempty"`
	Shutdown      bool            `json:"shutdown,omitempty" yaml:"shutdown,omitempty"`
	Quit          bool            `json:"quit,omitempty" yaml:"quit,omitempty"`
	Debug         bool            `json:"debug_mode,omitempty" yaml:"debug,omitempty"`
	ShowConsole   bool            `json:"show_console,omitempty" yaml:"show_console,omitempty"`
	LogFile       string          `json:"log_file,omitempty" yaml:"log_file,omitempty"`
	Verbose       bool            `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	MemoryLimitMB int             `json:"memory_limit,omitempty" yaml:"memory_limit,omitempty" validate:"gte=0"`
	Priority      ProcessPriority `json:"priority,omitempty" yaml:"priority,omitempty" validate:"omitempty,oneof=low normal high"`
}
