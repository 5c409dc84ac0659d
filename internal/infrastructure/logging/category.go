package logging

type Category string
type SubCategory string
type ExtraKey string

const (
	General         Category = "General"
	IO              Category = "IO"
	Internal        Category = "Internal"
	MongoDB         Category = "MongoDB"
	RabbitMQ        Category = "RabbitMQ"
	Validation      Category = "Validation"
	RequestResponse Category = "RequestResponse"
	Prometheus      Category = "Prometheus"
	Room            Category = "Room"
	WebSocket       Category = "WebSocket"
	Execution       Category = "Execution"
	Lifecycle       Category = "Lifecycle"
)

const (
	// General
	Startup         SubCategory = "Startup"
	Shutdown        SubCategory = "Shutdown"
	RateLimiting    SubCategory = "RateLimiting"
	ExternalService SubCategory = "ExternalService"

	// Room
	Load     SubCategory = "Load"
	Flush    SubCategory = "Flush"
	Eviction SubCategory = "Eviction"
	Mutation SubCategory = "Mutation"

	// WebSocket
	Connect    SubCategory = "Connect"
	Disconnect SubCategory = "Disconnect"
	Broadcast  SubCategory = "Broadcast"
	Decode     SubCategory = "Decode"

	// Messaging
	Publish SubCategory = "Publish"
	Consume SubCategory = "Consume"
)

const (
	AppName      ExtraKey = "AppName"
	LoggerName   ExtraKey = "Logger"
	ClientIp     ExtraKey = "ClientIp"
	Method       ExtraKey = "Method"
	StatusCode   ExtraKey = "StatusCode"
	Path         ExtraKey = "Path"
	Latency      ExtraKey = "Latency"
	ErrorMessage ExtraKey = "ErrorMessage"
	RoomKey      ExtraKey = "RoomKey"
	ConnID       ExtraKey = "ConnId"
	Username     ExtraKey = "Username"
	EventType    ExtraKey = "EventType"
	Language     ExtraKey = "Language"
	Members      ExtraKey = "Members"
)
