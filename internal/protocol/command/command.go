package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidCommand = errors.New("command: invalid command")

// Set selects the command-id namespace a frame belongs to.
type Set uint8

const (
	SetGeneral Set = 0
	SetLidar   Set = 1
	SetHub     Set = 2
)

// Count returns the number of valid ids in the set, zero for unknown sets.
func (s Set) Count() int {
	switch s {
	case SetGeneral:
		return int(generalCount)
	case SetLidar:
		return int(lidarCount)
	case SetHub:
		return int(hubCount)
	default:
		return 0
	}
}

func (s Set) Valid() bool {
	return s.Count() > 0
}

func (s Set) String() string {
	switch s {
	case SetGeneral:
		return "general"
	case SetLidar:
		return "lidar"
	case SetHub:
		return "hub"
	default:
		return fmt.Sprintf("set(%d)", uint8(s))
	}
}

// GeneralID is an id in the general set, shared by lidars and hubs.
type GeneralID uint8

const (
	GeneralBroadcast GeneralID = iota
	GeneralHandshake
	GeneralDeviceInfo
	GeneralHeartbeat
	GeneralControlSample
	GeneralCoordinateSystem
	GeneralDisconnect
	GeneralPushAbnormalState
	GeneralConfigureIP
	GeneralGetDeviceIPInfo

	generalCount
)

// LidarID is an id in the lidar-specific set.
type LidarID uint8

const (
	LidarSetMode LidarID = iota
	LidarSetExtrinsicParameter
	LidarGetExtrinsicParameter
	LidarControlRainFogSuppression

	lidarCount
)

// HubID is an id in the hub-specific set.
type HubID uint8

const (
	HubQueryLidarInformation HubID = iota
	HubSetMode
	HubControlSlotPower
	HubSetExtrinsicParameter
	HubGetExtrinsicParameter
	HubQueryLidarDeviceStatus
	HubExtrinsicParameterCalculation
	HubRainFogSuppression

	hubCount
)

func (id GeneralID) Command() Command { return Command{set: SetGeneral, id: uint8(id)} }
func (id LidarID) Command() Command   { return Command{set: SetLidar, id: uint8(id)} }
func (id HubID) Command() Command     { return Command{set: SetHub, id: uint8(id)} }

// Identifier is implemented by the per-set id types.
type Identifier interface {
	Command() Command
}

// Command is a set-qualified command id. The zero value is general.broadcast.
type Command struct {
	set Set
	id  uint8
}

// New builds a validated command. Negative ids and ids at or past the set's
// count fail with ErrInvalidCommand.
func New(set Set, id int) (Command, error) {
	if id < 0 || id > 0xff {
		return Command{}, fmt.Errorf("%w: id %d out of range for %s", ErrInvalidCommand, id, set)
	}
	c := Command{set: set, id: uint8(id)}
	if err := c.Validate(); err != nil {
		return Command{}, err
	}
	return c, nil
}

// Raw builds a command without range checks; decoded frames use it so that
// validation stays with the registry and dispatcher.
func Raw(set Set, id uint8) Command {
	return Command{set: set, id: id}
}

func (c Command) Set() Set  { return c.set }
func (c Command) ID() uint8 { return c.id }

func (c Command) Validate() error {
	if !c.set.Valid() {
		return fmt.Errorf("%w: unknown set %d", ErrInvalidCommand, uint8(c.set))
	}
	if int(c.id) >= c.set.Count() {
		return fmt.Errorf("%w: id %d out of range for %s (count %d)", ErrInvalidCommand, c.id, c.set, c.set.Count())
	}
	return nil
}

func (c Command) Valid() bool {
	return c.Validate() == nil
}

func (c Command) String() string {
	if names, ok := commandNames[c.set]; ok && int(c.id) < len(names) {
		return c.set.String() + "." + names[c.id]
	}
	return fmt.Sprintf("%s.%d", c.set, c.id)
}

var commandNames = map[Set][]string{
	SetGeneral: {
		"broadcast",
		"handshake",
		"device_info",
		"heartbeat",
		"control_sample",
		"coordinate_system",
		"disconnect",
		"push_abnormal_state",
		"configure_ip",
		"get_device_ip_info",
	},
	SetLidar: {
		"set_mode",
		"set_extrinsic_parameter",
		"get_extrinsic_parameter",
		"control_rain_fog_suppression",
	},
	SetHub: {
		"query_lidar_information",
		"set_mode",
		"control_slot_power",
		"set_extrinsic_parameter",
		"get_extrinsic_parameter",
		"query_lidar_device_status",
		"extrinsic_parameter_calculation",
		"rain_fog_suppression",
	},
}

// Parse resolves a dotted command name such as "lidar.set_mode" or "hub.3".
func Parse(name string) (Command, error) {
	raw := strings.ToLower(strings.TrimSpace(name))
	setName, idName, ok := strings.Cut(raw, ".")
	if !ok {
		return Command{}, fmt.Errorf("%w: malformed name %q", ErrInvalidCommand, name)
	}
	var set Set
	switch setName {
	case "general":
		set = SetGeneral
	case "lidar":
		set = SetLidar
	case "hub":
		set = SetHub
	default:
		return Command{}, fmt.Errorf("%w: unknown set %q", ErrInvalidCommand, setName)
	}
	for i, n := range commandNames[set] {
		if n == idName {
			return Command{set: set, id: uint8(i)}, nil
		}
	}
	if id, err := strconv.Atoi(idName); err == nil {
		return New(set, id)
	}
	return Command{}, fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, name)
}

// All lists every valid command in set order.
func All() []Command {
	out := make([]Command, 0, int(generalCount)+int(lidarCount)+int(hubCount))
	for _, set := range []Set{SetGeneral, SetLidar, SetHub} {
		for id := 0; id < set.Count(); id++ {
			out = append(out, Command{set: set, id: uint8(id)})
		}
	}
	return out
}
