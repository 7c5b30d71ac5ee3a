package profile

import (
	"github.com/alecthomas/participle/v2/lexer"
)

// ProfileLexer tokenizes the profile language.
//
//	profile "gpu-4to1" {
//	    family = "pex8696"
//	    fanout = 4:1
//	    hosts  = 2
//	    port 0 upstream x16 lanes 0 domain 0
//	    port 8 nt x8 partner 9
//	}
var ProfileLexer = lexer.MustSimple([]lexer.SimpleRule{
	// Comments: # or // to end of line
	{Name: "Comment", Pattern: `(?:#|//)[^\n]*`},

	{Name: "Whitespace", Pattern: `[\s\t\n\r]+`},

	// Keywords (case-insensitive)
	{Name: "KwProfile", Pattern: `(?i)\bprofile\b`},
	{Name: "KwFamily", Pattern: `(?i)\bfamily\b`},
	{Name: "KwFanout", Pattern: `(?i)\bfanout\b`},
	{Name: "KwHosts", Pattern: `(?i)\bhosts\b`},
	{Name: "KwPort", Pattern: `(?i)\bport\b`},
	{Name: "KwLanes", Pattern: `(?i)\blanes\b`},
	{Name: "KwDomain", Pattern: `(?i)\bdomain\b`},
	{Name: "KwPartner", Pattern: `(?i)\bpartner\b`},

	{Name: "Assign", Pattern: `=`},
	{Name: "LBrace", Pattern: `\{`},
	{Name: "RBrace", Pattern: `\}`},

	{Name: "String", Pattern: `"(?:[^"\\]|\\.)*"`},

	// Fan-out ratio (4:1) must come before Integer
	{Name: "Ratio", Pattern: `[0-9]+\s*:\s*[0-9]+`},
	// Port width (x16) must come before Ident
	{Name: "Width", Pattern: `(?i)\bx[0-9]+\b`},
	{Name: "Integer", Pattern: `[0-9]+`},

	{Name: "Ident", Pattern: `[a-zA-Z][a-zA-Z0-9_-]*`},
})
