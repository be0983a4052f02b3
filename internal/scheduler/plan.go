package scheduler

import "time"

// Config is the scheduling policy shared by every account.
type Config struct {
	Enabled         bool
	Interval        time.Duration
	GracePeriod     time.Duration
	MaxCatchUpPosts int
	CatchUpStagger  time.Duration
}

// Plan is what an account loop does when it starts.
type Plan struct {
	// CatchUp holds the start times of catch-up runs, earliest first.
	CatchUp []time.Time
	// NextDue is the first regular run. It assumes catch-up runs start on time.
	NextDue time.Time
	// Missed is the number of missed runs before capping.
	Missed int
}

// PlanStartup decides how an account resumes after downtime. It is a pure
// function of its inputs, so repeated calls with the same now agree.
//
// lastSuccess is the account's last successful post. Without one the
// account runs right away. Within the grace period of
// next due the regular run happens as usual. Beyond it, one catch-up run is
// planned per missed interval, capped and staggered, and the regular
// schedule resumes one interval after the last of them.
func PlanStartup(now, lastSuccess time.Time, hasHistory bool, cfg Config) Plan {
	if !hasHistory {
		return Plan{NextDue: now}
	}
	nextDue := lastSuccess.Add(cfg.Interval)
	if now.Sub(nextDue) <= cfg.GracePeriod {
		return Plan{NextDue: nextDue}
	}

	missed := 0
	if cfg.Interval > 0 {
		missed = int(now.Sub(lastSuccess.Add(cfg.GracePeriod)) / cfg.Interval)
	}
	runs := missed
	if runs > cfg.MaxCatchUpPosts {
		runs = cfg.MaxCatchUpPosts
	}
	if runs <= 0 {
		return Plan{NextDue: now, Missed: missed}
	}
	catchUp := make([]time.Time, runs)
	for i := range catchUp {
		catchUp[i] = now.Add(time.Duration(i) * cfg.CatchUpStagger)
	}
	return Plan{
		CatchUp: catchUp,
		NextDue: catchUp[runs-1].Add(cfg.Interval),
		Missed:  missed,
	}
}
