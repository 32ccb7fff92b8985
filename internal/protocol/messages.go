package protocol

// MessageType is the first field of every frame. The set is closed: the
// dispatcher routes known types and drops anything else with a log line.
type MessageType string

// Agent → Central.
const (
	TypeRegister       MessageType = "REGISTER"
	TypeHeartbeat      MessageType = "HEARTBEAT"
	TypeRequestCharge  MessageType = "REQUEST_CHARGE"
	TypeQueryAvailable MessageType = "QUERY_AVAILABLE_CPS"
	TypeSupplyUpdate   MessageType = "SUPPLY_UPDATE"
	TypeSupplyEnd      MessageType = "SUPPLY_END"
	TypeEndCharge      MessageType = "END_CHARGE"
	TypeFault          MessageType = "FAULT"
	TypeRecovery       MessageType = "RECOVERY"
	TypeHealthOK       MessageType = "HEALTH_OK"
	TypeHealthKO       MessageType = "HEALTH_KO"
)

// Central → Agent.
const (
	TypeAcknowledge      MessageType = "ACKNOWLEDGE"
	TypeAuthorize        MessageType = "AUTHORIZE"
	TypeDeny             MessageType = "DENY"
	TypeAvailableCPs     MessageType = "AVAILABLE_CPS"
	TypeTicket           MessageType = "TICKET"
	TypeStopCommand      MessageType = "STOP_COMMAND"
	TypeResumeCommand    MessageType = "RESUME_COMMAND"
	TypeEndSupply        MessageType = "END_SUPPLY"
	TypeDriverStart      MessageType = "DRIVER_START"
	TypeDriverStop       MessageType = "DRIVER_STOP"
	TypeChargingComplete MessageType = "CHARGING_COMPLETE"
)

// Monitor ↔ Engine, on the CP's sidecar port. Never seen by the Central but
// part of the shared contract.
const (
	TypeHealthCheck MessageType = "HEALTH_CHECK"
)

// Agent kinds carried in the second field of REGISTER.
const (
	AgentCP      = "CP"
	AgentDriver  = "DRIVER"
	AgentMonitor = "MONITOR"
)

// Acknowledge status tokens.
const (
	AckOK        = "OK"
	AckMonitorOK = "MONITOR_OK"
)

// Deny reasons carried in the second field of DENY. State-based denials
// compose DenyStatePrefix with the CP's current state token.
const (
	DenyCPNotFound  = "CP_NOT_FOUND"
	DenyCPInUse     = "CP_ALREADY_IN_USE"
	DenyFaultStop   = "CP_FAULT_EMERGENCY_STOP"
	DenyStatePrefix = "CP_STATE_"
)

var inbound = map[MessageType]bool{
	TypeRegister:       true,
	TypeHeartbeat:      true,
	TypeRequestCharge:  true,
	TypeQueryAvailable: true,
	TypeSupplyUpdate:   true,
	TypeSupplyEnd:      true,
	TypeEndCharge:      true,
	TypeFault:          true,
	TypeRecovery:       true,
	TypeHealthOK:       true,
	TypeHealthKO:       true,
}

// Inbound reports whether t is a message the Central accepts from agents.
func (t MessageType) Inbound() bool {
	return inbound[t]
}

// Msg assembles a field list for a frame: the type followed by its
// arguments, in catalog order.
func Msg(t MessageType, args ...string) []string {
	return append([]string{string(t)}, args...)
}
