package cmd

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/JakeFAU/adharvest/internal/harvest"
)

// specFlags binds the run-spec flags shared by pool and task commands.
type specFlags struct {
	mode     string
	duration time.Duration
	profile  string
}

func (f *specFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&f.mode, "mode", string(harvest.ModeUnbounded), "run mode: bounded or unbounded")
	fs.DurationVar(&f.duration, "duration", 0, "run length for bounded mode")
	fs.StringVar(&f.profile, "profile", string(harvest.ProfileDesktop), "device profile: desktop or mobile")
}

func (f *specFlags) spec() (harvest.RunSpec, error) {
	mode, err := harvest.ParseMode(f.mode)
	if err != nil {
		return harvest.RunSpec{}, err
	}
	profile, err := harvest.ParseProfile(f.profile)
	if err != nil {
		return harvest.RunSpec{}, err
	}
	spec := harvest.RunSpec{Mode: mode, Duration: f.duration, Profile: profile}
	if err := spec.Validate(); err != nil {
		return harvest.RunSpec{}, err
	}
	return spec, nil
}
