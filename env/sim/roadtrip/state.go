package roadtrip

import (
	"fmt"
	"strings"
)

// Cell represents a single grid cell
type Cell struct {
	Type    CellType `json:"type"`
	Visited bool     `json:"visited,omitempty"`
	ID      string   `json:"id,omitempty"`
}

// Position represents x,y coordinates
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// State is the mutable game state of one episode.
type State struct {
	Grid         [][]Cell        `json:"grid"`
	PlayerPos    Position        `json:"player_pos"`
	Battery      int             `json:"battery"`
	MaxBattery   int             `json:"max_battery"`
	Score        int             `json:"score"`
	VisitedParks map[string]bool `json:"visited_parks"`
	Message      string          `json:"message"`
	GameOver     bool            `json:"game_over"`
	Victory      bool            `json:"victory"`
	Moves        int             `json:"moves"`
}

func newState(level *Level) *State {
	grid := make([][]Cell, level.GridSize)
	for i := range grid {
		grid[i] = make([]Cell, level.GridSize)
	}

	parkCount := 0
	var homePos Position
	for y, row := range level.Layout {
		for x := 0; x < len(row) && x < level.GridSize; x++ {
			switch row[x] {
			case 'R':
				grid[y][x] = Cell{Type: Road}
			case 'H':
				grid[y][x] = Cell{Type: Home}
				homePos = Position{X: x, Y: y}
			case 'P':
				grid[y][x] = Cell{Type: Park, ID: fmt.Sprintf("park_%d", parkCount)}
				parkCount++
			case 'S':
				grid[y][x] = Cell{Type: Supercharger}
			case 'W':
				grid[y][x] = Cell{Type: Water}
			case 'B':
				grid[y][x] = Cell{Type: Building}
			}
		}
	}

	return &State{
		Grid:         grid,
		PlayerPos:    homePos,
		Battery:      level.StartingBattery,
		MaxBattery:   level.MaxBattery,
		VisitedParks: make(map[string]bool),
		Message:      level.Messages.Welcome,
	}
}

// canMoveTo checks whether the cell at x,y is inside the grid and passable.
func (s *State) canMoveTo(x, y int) bool {
	if y < 0 || y >= len(s.Grid) || x < 0 || x >= len(s.Grid[0]) {
		return false
	}
	t := s.Grid[y][x].Type
	return t != Water && t != Building
}

// move attempts to move the player one cell and reports whether it did.
func (s *State) move(direction string, level *Level) bool {
	if s.GameOver {
		return false
	}

	newX, newY := s.PlayerPos.X, s.PlayerPos.Y
	switch direction {
	case "up":
		newY--
	case "down":
		newY++
	case "left":
		newX--
	case "right":
		newX++
	default:
		s.Message = fmt.Sprintf("Unknown direction %q. Use up, down, left or right.", direction)
		return false
	}

	// Wall collision is checked before the battery.
	if !s.canMoveTo(newX, newY) {
		obstacle := "boundary"
		if newY >= 0 && newY < len(s.Grid) && newX >= 0 && newX < len(s.Grid[0]) {
			obstacle = string(s.Grid[newY][newX].Type)
		}
		if level.WallCrashEndsGame {
			s.Message = level.Messages.HitWall + fmt.Sprintf(" [Hit: %s at (%d,%d)]", obstacle, newX, newY)
			s.GameOver = true
			return false
		}
		s.Message = level.Messages.CantMove + fmt.Sprintf(" [Blocked by: %s]", obstacle)
		return false
	}

	if s.Battery <= 0 {
		s.Message = level.Messages.OutOfBattery
		s.GameOver = true
		return false
	}

	s.PlayerPos = Position{X: newX, Y: newY}
	s.Battery--
	s.Moves++

	cell := &s.Grid[newY][newX]
	switch cell.Type {
	case Home:
		s.Battery = s.MaxBattery
		s.Message = level.Messages.HomeCharge
	case Supercharger:
		s.Battery = s.MaxBattery
		s.Message = level.Messages.SuperchargerCharge
	case Park:
		if cell.ID != "" && !s.VisitedParks[cell.ID] {
			s.VisitedParks[cell.ID] = true
			cell.Visited = true
			s.Score++
			s.Message = fmt.Sprintf(level.Messages.ParkVisited, s.Score)
			if s.Score == s.totalParks() {
				s.Victory = true
				s.GameOver = true
				s.Message = fmt.Sprintf(level.Messages.Victory, s.Score)
			}
		} else {
			s.Message = level.Messages.ParkAlreadyVisited
		}
	default:
		s.Message = fmt.Sprintf(level.Messages.BatteryStatus, s.Battery, s.MaxBattery)
	}

	if s.Battery == 0 && !s.onCharger() {
		s.GameOver = true
		s.Message = level.Messages.Stranded
	}
	return true
}

func (s *State) onCharger() bool {
	t := s.Grid[s.PlayerPos.Y][s.PlayerPos.X].Type
	return t == Home || t == Supercharger
}

func (s *State) totalParks() int {
	count := 0
	for _, row := range s.Grid {
		for _, cell := range row {
			if cell.Type == Park {
				count++
			}
		}
	}
	return count
}

// possibleMoves lists directions that lead to a passable cell.
func (s *State) possibleMoves() []string {
	if s.GameOver || s.Battery <= 0 {
		return nil
	}
	var out []string
	for _, d := range []struct {
		name   string
		dx, dy int
	}{{"up", 0, -1}, {"down", 0, 1}, {"left", -1, 0}, {"right", 1, 0}} {
		if s.canMoveTo(s.PlayerPos.X+d.dx, s.PlayerPos.Y+d.dy) {
			out = append(out, d.name)
		}
	}
	return out
}

// nearestCharger returns the Manhattan distance to the closest home or
// supercharger, or -1 when there is none.
func (s *State) nearestCharger() int {
	best := -1
	for y, row := range s.Grid {
		for x, cell := range row {
			if cell.Type != Home && cell.Type != Supercharger {
				continue
			}
			d := abs(x-s.PlayerPos.X) + abs(y-s.PlayerPos.Y)
			if best < 0 || d < best {
				best = d
			}
		}
	}
	return best
}

// batteryRisk assesses battery danger based on the nearest charger.
func (s *State) batteryRisk() string {
	if s.Battery <= 0 {
		return "CRITICAL: Battery empty!"
	}
	dist := s.nearestCharger()
	switch {
	case dist < 0:
		return "WARNING: No chargers available!"
	case s.Battery <= dist:
		return "DANGER: Insufficient battery to reach nearest charger!"
	case s.Battery <= dist+2:
		return "CAUTION: Low battery, prioritize charging"
	case s.Battery <= s.MaxBattery/3:
		return "LOW: Consider charging soon"
	}
	return "SAFE: Battery sufficient"
}

var cellGlyph = map[CellType]byte{
	Road:         '.',
	Home:         'H',
	Park:         'P',
	Supercharger: 'S',
	Water:        '~',
	Building:     '#',
}

// render draws the grid with the player as T and visited parks as *.
func (s *State) render() string {
	var b strings.Builder
	for y, row := range s.Grid {
		for x, cell := range row {
			switch {
			case x == s.PlayerPos.X && y == s.PlayerPos.Y:
				b.WriteByte('T')
			case cell.Type == Park && cell.Visited:
				b.WriteByte('*')
			default:
				b.WriteByte(cellGlyph[cell.Type])
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}
