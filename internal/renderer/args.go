package renderer

import (
	"strconv"

	"github.com/hochfrequenz/render-queue/internal/domain"
)

// BuildArgs returns the renderer arguments for task, without the executable.
// Only options that are set produce a flag. The verbose and console switches
// always end the list so the output can be followed.
func BuildArgs(task *domain.RenderTask) []string {
	args := []string{"-render", task.ProjectPath}

	if task.StartFrame != nil {
		args = append(args, "-frame", strconv.Itoa(*task.StartFrame))
		if task.EndFrame != nil {
			args = append(args, strconv.Itoa(*task.EndFrame))
		}
	}
	if task.OutputFolder != "" {
		args = append(args, "-oimage", task.OutputFolder)
	}

	o := task.Options
	if o.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(o.Threads))
	}
	if o.UseGPU {
		args = append(args, "-gpu")
	}
	if o.NoGUI {
		args = append(args, "-nogui")
	}
	if o.BatchMode {
		args = append(args, "-batch")
	}
	if o.Shutdown {
		args = append(args, "-shutdown")
	}
	if o.Quit {
		args = append(args, "-quit")
	}
	if o.Debug {
		args = append(args, "-debug")
	}
	if o.ShowConsole {
		args = append(args, "-console")
	}
	if o.LogFile != "" {
		args = append(args, "-log", o.LogFile)
	}
	if o.Verbose {
		args = append(args, "-verbose")
	}
	if o.MemoryLimitMB > 0 {
		args = append(args, "-memory", strconv.Itoa(o.MemoryLimitMB))
	}
	if o.Priority != domain.PriorityDefault {
		args = append(args, "-priority", string(o.Priority))
	}

	// trailing switches, once each
	if !o.Verbose {
		args = append(args, "-verbose")
	}
	if !o.ShowConsole {
		args = append(args, "-console")
	}
	return args
}
