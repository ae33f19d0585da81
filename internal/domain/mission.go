package domain

// Mission is the goal and progress of one episode. It is replaced wholesale on
// every reset.
type Mission struct {
	TotalStep  int
	MissionBuy int64
	LeftStep   int
}

// Info returns the fixed part of the mission.
func (m Mission) Info() MissionInfo {
	return MissionInfo{TotalStep: m.TotalStep, MissionBuy: m.MissionBuy}
}

// Terminal reports whether no steps are left.
func (m Mission) Terminal() bool {
	return m.LeftStep <= 0
}

// MissionInfo is the (total_step, mission_buy) pair established at reset.
type MissionInfo struct {
	TotalStep  int   `json:"total_step"`
	MissionBuy int64 `json:"mission_buy"`
}
