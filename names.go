package dbus

import "strings"

// Name grammar checks, per the wire protocol. All of these run at
// construction or registration time so that dispatch never has to
// re-validate.

const maxNameLen = 255

func isNameByte(b byte, digitOK bool) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b == '_':
		return true
	case b >= '0' && b <= '9':
		return digitOK
	}
	return false
}

// validInterfaceName reports whether s is a valid interface name:
// two or more dot-separated elements of [A-Za-z_][A-Za-z0-9_]*.
func validInterfaceName(s string) bool {
	if len(s) == 0 || len(s) > maxNameLen {
		return false
	}
	elems := strings.Split(s, ".")
	if len(elems) < 2 {
		return false
	}
	for _, e := range elems {
		if e == "" || !isNameByte(e[0], false) {
			return false
		}
		for i := 1; i < len(e); i++ {
			if !isNameByte(e[i], true) {
				return false
			}
		}
	}
	return true
}

// validMemberName reports whether s is a valid method or signal
// name: [A-Za-z_][A-Za-z0-9_]*, no dots.
func validMemberName(s string) bool {
	if len(s) == 0 || len(s) > maxNameLen || !isNameByte(s[0], false) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isNameByte(s[i], true) {
			return false
		}
	}
	return true
}

// validBusName reports whether s is a valid bus name, either a
// unique name (":1.42") or a well-known name (interface-shaped, with
// hyphens additionally allowed).
func validBusName(s string) bool {
	if len(s) == 0 || len(s) > maxNameLen {
		return false
	}
	unique := s[0] == ':'
	if unique {
		s = s[1:]
	}
	elems := strings.Split(s, ".")
	if len(elems) < 2 {
		return false
	}
	for _, e := range elems {
		if e == "" {
			return false
		}
		for i := 0; i < len(e); i++ {
			b := e[i]
			if b == '-' || isNameByte(b, unique || i > 0) {
				continue
			}
			return false
		}
	}
	return true
}

func checkInterfaceName(s string) error {
	if !validInterfaceName(s) {
		return validationErr("interface name", s, "must be two or more dot-separated name elements")
	}
	return nil
}

func checkMemberName(s string) error {
	if !validMemberName(s) {
		return validationErr("member name", s, "must match [A-Za-z_][A-Za-z0-9_]*")
	}
	return nil
}

func checkBusName(s string) error {
	if !validBusName(s) {
		return validationErr("bus name", s, "must be a unique or well-known bus name")
	}
	return nil
}
