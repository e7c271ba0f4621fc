package roadtrip

import (
	"fmt"
	"strings"
)

// CellType represents different types of grid cells
type CellType string

const (
	Road         CellType = "road"
	Home         CellType = "home"
	Park         CellType = "park"
	Supercharger CellType = "supercharger"
	Water        CellType = "water"
	Building     CellType = "building"

	MinGridSize = 5
	MaxGridSize = 50
	MinBattery  = 1
	MaxBattery  = 100
)

// Messages are the texts shown after each move.
type Messages struct {
	Welcome            string `json:"welcome"`
	HomeCharge         string `json:"home_charge"`
	SuperchargerCharge string `json:"supercharger_charge"`
	ParkVisited        string `json:"park_visited"`
	ParkAlreadyVisited string `json:"park_already_visited"`
	Victory            string `json:"victory"`
	OutOfBattery       string `json:"out_of_battery"`
	Stranded           string `json:"stranded"`
	CantMove           string `json:"cant_move"`
	BatteryStatus      string `json:"battery_status"`
	HitWall            string `json:"hit_wall"`
}

// Level is one road trip task as stored in the catalog.
type Level struct {
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	GridSize          int      `json:"grid_size"`
	MaxBattery        int      `json:"max_battery"`
	StartingBattery   int      `json:"starting_battery"`
	Layout            []string `json:"layout"`
	WallCrashEndsGame bool     `json:"wall_crash_ends_game"`
	// MaxSteps truncates the episode. Zero means no limit.
	MaxSteps int      `json:"max_steps,omitempty"`
	Messages Messages `json:"messages"`
}

// Validate checks a level for correctness and playability.
func (l *Level) Validate() error {
	if l.Name == "" {
		return fmt.Errorf("level validation: name is required")
	}
	if l.GridSize < MinGridSize || l.GridSize > MaxGridSize {
		return fmt.Errorf("level validation: grid_size must be between %d and %d, got %d", MinGridSize, MaxGridSize, l.GridSize)
	}
	if l.MaxBattery < MinBattery || l.MaxBattery > MaxBattery {
		return fmt.Errorf("level validation: max_battery must be between %d and %d, got %d", MinBattery, MaxBattery, l.MaxBattery)
	}
	if l.StartingBattery < MinBattery || l.StartingBattery > l.MaxBattery {
		return fmt.Errorf("level validation: starting_battery must be between %d and max_battery (%d), got %d",
			MinBattery, l.MaxBattery, l.StartingBattery)
	}
	if len(l.Layout) != l.GridSize {
		return fmt.Errorf("level validation: layout must have %d rows to match grid_size, got %d", l.GridSize, len(l.Layout))
	}

	type point struct{ x, y int }
	var chargers, parks []point
	homes := 0
	for y, row := range l.Layout {
		if len(row) != l.GridSize {
			return fmt.Errorf("level validation: row %d must have %d characters, got %d", y+1, l.GridSize, len(row))
		}
		for x, ch := range row {
			switch ch {
			case 'R', 'W', 'B':
			case 'H':
				homes++
				chargers = append(chargers, point{x, y})
			case 'S':
				chargers = append(chargers, point{x, y})
			case 'P':
				parks = append(parks, point{x, y})
			default:
				return fmt.Errorf("level validation: invalid character '%c' at row %d, col %d", ch, y+1, x+1)
			}
		}
	}
	if homes == 0 {
		return fmt.Errorf("level validation: layout must contain at least one home (H) cell")
	}
	if len(parks) == 0 {
		return fmt.Errorf("level validation: layout must contain at least one park (P) cell")
	}

	if l.Messages.ParkVisited != "" && !strings.Contains(l.Messages.ParkVisited, "%d") {
		return fmt.Errorf("level validation: messages.park_visited must contain %%d for score")
	}
	if l.Messages.Victory != "" && !strings.Contains(l.Messages.Victory, "%d") {
		return fmt.Errorf("level validation: messages.victory must contain %%d for park count")
	}

	// Every park must be within one battery charge of some charger.
	for _, p := range parks {
		best := -1
		for _, c := range chargers {
			d := abs(p.x-c.x) + abs(p.y-c.y)
			if best < 0 || d < best {
				best = d
			}
		}
		if best > l.MaxBattery {
			return fmt.Errorf("level validation: park at (%d, %d) is unreachable - nearest charger is %d moves away but max battery is %d",
				p.x+1, p.y+1, best, l.MaxBattery)
		}
	}
	return nil
}

// withDefaultMessages fills empty messages.
func (l Level) withDefaultMessages() Level {
	d := defaultMessages()
	m := &l.Messages
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&m.Welcome, d.Welcome)
	fill(&m.HomeCharge, d.HomeCharge)
	fill(&m.SuperchargerCharge, d.SuperchargerCharge)
	fill(&m.ParkVisited, d.ParkVisited)
	fill(&m.ParkAlreadyVisited, d.ParkAlreadyVisited)
	fill(&m.Victory, d.Victory)
	fill(&m.OutOfBattery, d.OutOfBattery)
	fill(&m.Stranded, d.Stranded)
	fill(&m.CantMove, d.CantMove)
	fill(&m.BatteryStatus, d.BatteryStatus)
	fill(&m.HitWall, d.HitWall)
	return l
}

func defaultMessages() Messages {
	return Messages{
		Welcome:            "Welcome! Drive your Tesla to collect parks. Watch your battery!",
		HomeCharge:         "Home sweet home! Battery fully charged!",
		SuperchargerCharge: "Supercharger! Battery fully charged!",
		ParkVisited:        "Park visited! Score: %d",
		ParkAlreadyVisited: "Already visited this park",
		Victory:            "Victory! All %d parks visited!",
		OutOfBattery:       "Out of battery! Game Over!",
		Stranded:           "Stranded with no battery! Game Over!",
		CantMove:           "Can't move there!",
		BatteryStatus:      "Battery: %d/%d",
		HitWall:            "Crashed into a wall! Game Over!",
	}
}

// DefaultLevel is the built-in level used when no catalog target is given.
func DefaultLevel() Level {
	return Level{
		Name:            "default",
		Description:     "Built-in 15x15 city with a central home row",
		GridSize:        15,
		MaxBattery:      10,
		StartingBattery: 10,
		Layout: []string{
			"BBBWBBBPBBBWBBB",
			"BRRRRRRRRRRRRRB",
			"BRBBBRRSRBBBRPB",
			"BRBPBRRRRRBPBRB",
			"BRBRBBBRBBBRBBB",
			"BRRRRRRRRRRRRRB",
			"BBBBRWWWWWBBBBB",
			"PRRRRHHHHHRRRRP",
			"BBBBRWWWWWBBBBB",
			"BRRRRRRRRRRRRRB",
			"BRBRBBBRBBBRBBB",
			"BRBPBRRRRRBPBRB",
			"BRBBBRRSRBBBRPB",
			"BRRRRRRRRRRRRRB",
			"BBBWBBBPBBBWBBB",
		},
		Messages: defaultMessages(),
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
