package inject

import "unicode"

// resolveLatinKey maps ASCII letters, digits and whitespace to US virtual
// keys. Everything else is typed as a character.
func resolveLatinKey(r rune) (KeyCode, bool) {
	switch {
	case r >= 'a' && r <= 'z':
		return KeyCode(unicode.ToUpper(r)), false
	case r >= 'A' && r <= 'Z':
		return KeyCode(r), true
	case r >= '0' && r <= '9':
		return KeyCode(r), false
	case r == ' ':
		return KeySpace, false
	case r == '\t':
		return KeyTab, false
	case r == '\r' || r == '\n':
		return KeyReturn, false
	}
	return UnicodeKey(r), false
}

// keysymName returns the X keysym name of a virtual key.
func keysymName(code KeyCode) (string, bool) {
	switch {
	case code >= 'A' && code <= 'Z':
		return string(unicode.ToLower(rune(code))), true
	case code >= '0' && code <= '9':
		return string(rune(code)), true
	}
	switch code {
	case KeySpace:
		return "space", true
	case KeyTab:
		return "Tab", true
	case KeyReturn:
		return "Return", true
	case KeyShift:
		return "shift", true
	case KeyControl:
		return "ctrl", true
	case KeyCommand:
		return "super", true
	}
	return "", false
}
