// Package broadcast announces cache mutations to the other execution contexts
// of the same user and delivers their announcements back.
//
// Delivery is best effort: messages may be dropped or reordered, and a
// context that is not listening misses them. The persisted snapshot is the
// recovery path, not the broadcast.
//
// Message format:
//
//	{
//	  "action":    "cache-updated" | "cache-invalidated" | "cache-cleared" |
//	               "session-updated" | "session-deleted",
//	  "data":      { ... },
//	  "timestamp": 1717200000000,
//	  "origin":    "<uuid of the sending Broadcaster>"
//	}
//
// Broadcaster drops messages carrying its own origin, so a context never
// reacts to its own announcements.
//
// Transports:
//   - Loopback: an in-process bus; every Join returns one endpoint.
//   - Hub/Dial: a websocket relay with one room per user. Hub.ServeRoom
//     upgrades requests; Dial connects a Transport to it.
package broadcast
