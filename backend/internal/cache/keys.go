package cache

import "fmt"

// Key layout. The {docID:...} hash tag keeps one document's keys on one cluster slot.
// - roomKey(docID):   online clients, ZSet<clientId, expireAtUnix>, score=expireAt
// - namesKey(docID):  clientId -> presence JSON, Hash
// - cursorKey:        last cursor payload per client, String with TTL
// - docsKey():        documents that had presence, Set<docID>
// - relayChannel:     pub/sub channel carrying frames between server instances
// - memberKey:        cached collaborator check, "1" member, "-1" non-member

const (
	keyRoomFmt   = "presence:room:{docID:%s}"
	keyNamesFmt  = "presence:room:names:{docID:%s}"
	keyCursorFmt = "presence:cursor:{docID:%s}:%s"
	keyDocsSet   = "presence:docs"
	keyRelayFmt  = "collab:relay:{docID:%s}"
	keyMemberFmt = "collab:member:{docID:%s}:%s"
)

func roomKey(docID string) string             { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string            { return fmt.Sprintf(keyNamesFmt, docID) }
func cursorKey(docID, clientID string) string { return fmt.Sprintf(keyCursorFmt, docID, clientID) }
func docsKey() string                         { return keyDocsSet }
func relayChannel(docID string) string        { return fmt.Sprintf(keyRelayFmt, docID) }
func memberKey(docID, userID string) string   { return fmt.Sprintf(keyMemberFmt, docID, userID) }
