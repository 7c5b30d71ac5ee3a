package profile

import "github.com/alecthomas/participle/v2/lexer"

// File is a parsed profile file; it may declare several profiles.
type File struct {
	Profiles []*ProfileDecl `@@*`
}

// ProfileDecl is one profile block.
// Example: profile "gpu-4to1" { ... }
type ProfileDecl struct {
	Pos   lexer.Position
	Name  string  `KwProfile @String LBrace`
	Items []*Item `@@* RBrace`
}

// Item is a setting or a port line inside a profile block.
type Item struct {
	Setting *Setting  `  @@`
	Port    *PortDecl `| @@`
}

// Setting assigns a profile-wide value.
// Example: fanout = 4:1
type Setting struct {
	Pos   lexer.Position
	Key   string `@( KwFamily | KwFanout | KwHosts ) Assign`
	Value string `@( String | Ratio | Integer | Ident )`
}

// PortDecl declares one port.
// Example: port 8 nt x8 lanes 32 partner 9
type PortDecl struct {
	Pos   lexer.Position
	Index int         `KwPort @Integer`
	Mode  string      `@Ident`
	Width string      `@Width?`
	Attrs []*PortAttr `@@*`
}

// PortAttr is an optional keyword/value pair on a port line.
type PortAttr struct {
	Lanes   *int `  KwLanes @Integer`
	Domain  *int `| KwDomain @Integer`
	Partner *int `| KwPartner @Integer`
}
