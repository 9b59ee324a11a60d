package matrix

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"maunium.net/go/mautrix/id"
)

const emptyRoomPlaceholder = "Empty room"

var (
	aliasReplacer  = strings.NewReplacer("-", " ", "_", " ")
	userIDReplacer = strings.NewReplacer("-", " ", "_", " ", ".", " ")
)

// FormatAlias turns "#dev-team:example.org" into "Dev team".
func FormatAlias(alias id.RoomAlias) string {
	local := strings.TrimPrefix(string(alias), "#")
	if i := strings.IndexByte(local, ':'); i >= 0 {
		local = local[:i]
	}

	return capitalize(aliasReplacer.Replace(local))
}

// FormatUserID turns "@alice.smith:example.org" into "Alice smith".
func FormatUserID(userID id.UserID) string {
	local, _, err := userID.Parse()
	if err != nil {
		local = strings.TrimPrefix(string(userID), "@")
		if i := strings.IndexByte(local, ':'); i >= 0 {
			local = local[:i]
		}
	}

	return capitalize(userIDReplacer.Replace(local))
}

// roomLocalPart returns the opaque part of a room id: "!abc:x" gives "abc".
func roomLocalPart(roomID id.RoomID) string {
	local := strings.TrimPrefix(string(roomID), "!")
	if i := strings.IndexByte(local, ':'); i >= 0 {
		local = local[:i]
	}

	return local
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}

	return string([]rune(s)[:n]) + "..."
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}

	return string(unicode.ToUpper(r)) + s[size:]
}

// baseName is the part of the display name that does not depend on the DM
// classification: explicit name, room name, then formatted alias.
func baseName(rs *roomState) string {
	if n := strings.TrimSpace(rs.in.DisplayName); n != "" && !strings.Contains(n, emptyRoomPlaceholder) {
		return n
	}

	if n := strings.TrimSpace(rs.name()); n != "" {
		return n
	}

	if alias := rs.canonicalAlias(); alias != "" {
		if n := FormatAlias(alias); n != "" {
			return n
		}
	}

	return ""
}

func displayName(rs *roomState, base string, direct bool, me id.UserID) string {
	if base != "" {
		return base
	}

	if direct {
		for _, u := range rs.members() {
			if u.ID == me || u.Membership != membershipJoin {
				continue
			}

			if n := strings.TrimSpace(u.DisplayName); n != "" {
				return n
			}

			return FormatUserID(u.ID)
		}

		return "DM " + truncate(roomLocalPart(rs.in.ID), 8)
	}

	return "Room " + truncate(roomLocalPart(rs.in.ID), 10)
}
