package assembly

// Metadata table numbers (ECMA-335 II.22) up to AssemblyRef, plus the ones
// that only appear as coded index targets.
const (
	tableModule                 = 0x00
	tableTypeRef                = 0x01
	tableTypeDef                = 0x02
	tableFieldPtr               = 0x03
	tableField                  = 0x04
	tableMethodPtr              = 0x05
	tableMethodDef              = 0x06
	tableParamPtr               = 0x07
	tableParam                  = 0x08
	tableInterfaceImpl          = 0x09
	tableMemberRef              = 0x0A
	tableConstant               = 0x0B
	tableCustomAttribute        = 0x0C
	tableFieldMarshal           = 0x0D
	tableDeclSecurity           = 0x0E
	tableClassLayout            = 0x0F
	tableFieldLayout            = 0x10
	tableStandAloneSig          = 0x11
	tableEventMap               = 0x12
	tableEventPtr               = 0x13
	tableEvent                  = 0x14
	tablePropertyMap            = 0x15
	tablePropertyPtr            = 0x16
	tableProperty               = 0x17
	tableMethodSemantics        = 0x18
	tableMethodImpl             = 0x19
	tableModuleRef              = 0x1A
	tableTypeSpec               = 0x1B
	tableImplMap                = 0x1C
	tableFieldRVA               = 0x1D
	tableEncLog                 = 0x1E
	tableEncMap                 = 0x1F
	tableAssembly               = 0x20
	tableAssemblyProcessor      = 0x21
	tableAssemblyOS             = 0x22
	tableAssemblyRef            = 0x23
	tableFile                   = 0x26
	tableExportedType           = 0x27
	tableManifestResource       = 0x28
	tableGenericParam           = 0x2A
	tableMethodSpec             = 0x2B
	tableGenericParamConstraint = 0x2C

	tableCount = 64

	// noTable fills unused tags of a coded index.
	noTable = -1
)

// codedIndex is a tagged reference into one of several tables (II.24.2.6).
type codedIndex struct {
	tagBits int
	tables  []int
}

var (
	ciTypeDefOrRef       = codedIndex{2, []int{tableTypeDef, tableTypeRef, tableTypeSpec}}
	ciHasConstant        = codedIndex{2, []int{tableField, tableParam, tableProperty}}
	ciHasFieldMarshal    = codedIndex{1, []int{tableField, tableParam}}
	ciHasDeclSecurity    = codedIndex{2, []int{tableTypeDef, tableMethodDef, tableAssembly}}
	ciMemberRefParent    = codedIndex{3, []int{tableTypeDef, tableTypeRef, tableModuleRef, tableMethodDef, tableTypeSpec}}
	ciHasSemantics       = codedIndex{1, []int{tableEvent, tableProperty}}
	ciMethodDefOrRef     = codedIndex{1, []int{tableMethodDef, tableMemberRef}}
	ciMemberForwarded    = codedIndex{1, []int{tableField, tableMethodDef}}
	ciCustomAttrType     = codedIndex{3, []int{noTable, noTable, tableMethodDef, tableMemberRef, noTable}}
	ciResolutionScope    = codedIndex{2, []int{tableModule, tableModuleRef, tableAssemblyRef, tableTypeRef}}
	ciHasCustomAttribute = codedIndex{5, []int{
		tableMethodDef, tableField, tableTypeRef, tableTypeDef, tableParam, tableInterfaceImpl,
		tableMemberRef, tableModule, tableDeclSecurity, tableProperty, tableEvent, tableStandAloneSig,
		tableModuleRef, tableTypeSpec, tableAssembly, tableAssemblyRef, tableFile, tableExportedType,
		tableManifestResource, tableGenericParam, tableGenericParamConstraint, tableMethodSpec,
	}}
)

// columnKind says how wide a column is once heap and table sizes are known.
type columnKind int

const (
	colFixed columnKind = iota
	colString
	colGUID
	colBlob
	colIndex
	colCoded
)

type column struct {
	kind  columnKind
	size  int // colFixed
	table int // colIndex
	coded codedIndex
}

func u16() column { return column{kind: colFixed, size: 2} }
func u32() column { return column{kind: colFixed, size: 4} }
func str() column { return column{kind: colString} }
func guid() column { return column{kind: colGUID} }
func blob() column { return column{kind: colBlob} }
func idx(table int) column { return column{kind: colIndex, table: table} }
func coded(ci codedIndex) column { return column{kind: colCoded, coded: ci} }
func fixed(size int) column { return column{kind: colFixed, size: size} }
func cols(c ...column) []column { return c }

// tableSchema lists the columns of every table that can precede AssemblyRef.
// Tables after it are never walked, so they need no schema.
var tableSchema = [tableAssemblyRef + 1][]column{
	tableModule:            cols(u16(), str(), guid(), guid(), guid()),
	tableTypeRef:           cols(coded(ciResolutionScope), str(), str()),
	tableTypeDef:           cols(u32(), str(), str(), coded(ciTypeDefOrRef), idx(tableField), idx(tableMethodDef)),
	tableFieldPtr:          cols(idx(tableField)),
	tableField:             cols(u16(), str(), blob()),
	tableMethodPtr:         cols(idx(tableMethodDef)),
	tableMethodDef:         cols(u32(), u16(), u16(), str(), blob(), idx(tableParam)),
	tableParamPtr:          cols(idx(tableParam)),
	tableParam:             cols(u16(), u16(), str()),
	tableInterfaceImpl:     cols(idx(tableTypeDef), coded(ciTypeDefOrRef)),
	tableMemberRef:         cols(coded(ciMemberRefParent), str(), blob()),
	tableConstant:          cols(fixed(2), coded(ciHasConstant), blob()),
	tableCustomAttribute:   cols(coded(ciHasCustomAttribute), coded(ciCustomAttrType), blob()),
	tableFieldMarshal:      cols(coded(ciHasFieldMarshal), blob()),
	tableDeclSecurity:      cols(u16(), coded(ciHasDeclSecurity), blob()),
	tableClassLayout:       cols(u16(), u32(), idx(tableTypeDef)),
	tableFieldLayout:       cols(u32(), idx(tableField)),
	tableStandAloneSig:     cols(blob()),
	tableEventMap:          cols(idx(tableTypeDef), idx(tableEvent)),
	tableEventPtr:          cols(idx(tableEvent)),
	tableEvent:             cols(u16(), str(), coded(ciTypeDefOrRef)),
	tablePropertyMap:       cols(idx(tableTypeDef), idx(tableProperty)),
	tablePropertyPtr:       cols(idx(tableProperty)),
	tableProperty:          cols(u16(), str(), blob()),
	tableMethodSemantics:   cols(u16(), idx(tableMethodDef), coded(ciHasSemantics)),
	tableMethodImpl:        cols(idx(tableTypeDef), coded(ciMethodDefOrRef), coded(ciMethodDefOrRef)),
	tableModuleRef:         cols(str()),
	tableTypeSpec:          cols(blob()),
	tableImplMap:           cols(u16(), coded(ciMemberForwarded), str(), idx(tableModuleRef)),
	tableFieldRVA:          cols(u32(), idx(tableField)),
	tableEncLog:            cols(u32(), u32()),
	tableEncMap:            cols(u32()),
	tableAssembly:          cols(u32(), u16(), u16(), u16(), u16(), u32(), blob(), str(), str()),
	tableAssemblyProcessor: cols(u32()),
	tableAssemblyOS:        cols(u32(), u32(), u32()),
	tableAssemblyRef:       cols(u16(), u16(), u16(), u16(), u32(), blob(), str(), str(), blob()),
}

// tableLayout holds the sizes needed to walk the table stream.
type tableLayout struct {
	rows      [tableCount]uint32
	strIndex  int
	guidIndex int
	blobIndex int
}

func (l *tableLayout) indexSize(table int) int {
	if l.rows[table] < 1<<16 {
		return 2
	}
	return 4
}

func (l *tableLayout) codedSize(ci codedIndex) int {
	var maxRows uint32
	for _, t := range ci.tables {
		if t != noTable && l.rows[t] > maxRows {
			maxRows = l.rows[t]
		}
	}
	if maxRows < 1<<(16-ci.tagBits) {
		return 2
	}
	return 4
}

func (l *tableLayout) columnSize(c column) int {
	switch c.kind {
	case colString:
		return l.strIndex
	case colGUID:
		return l.guidIndex
	case colBlob:
		return l.blobIndex
	case colIndex:
		return l.indexSize(c.table)
	case colCoded:
		return l.codedSize(c.coded)
	default:
		return c.size
	}
}

func (l *tableLayout) rowSize(table int) int {
	n := 0
	for _, c := range tableSchema[table] {
		n += l.columnSize(c)
	}
	return n
}
