package broker

// Room events fan out through NATS so every server instance can deliver them
// to the connections it holds.
var (
	StreamName        = "MATCHCHAT"
	SubjectRoomPrefix = StreamName + ".room."
	SubjectAllRooms   = SubjectRoomPrefix + "*"
)

// SubjectForMatch returns the subject carrying a match room's events.
func SubjectForMatch(matchID string) string {
	return SubjectRoomPrefix + matchID
}
