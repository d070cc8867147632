package mapping

// Canonical achievement types.
var TypeTable = map[string]string{
	"竞赛类":    "competition",
	"学科竞赛":   "competition",
	"科研类":    "research",
	"项目类":    "project",
	"创新创业项目": "project",
	"论文类":    "paper",
	"发表论文":   "paper",
	"专利类":    "patent",
	"证书类":    "certificate",
	"职业资格证书": "certificate",
}

// Canonical award levels.
var LevelTable = map[string]string{
	"国家级": "national",
	"全国":  "national",
	"省部级": "provincial",
	"省":   "provincial",
	"市":   "city",
	"校级":  "school",
	"院级":  "department",
	"国际":  "international",
}

const (
	DefaultTemplateID   = "default"
	DefaultTemplateName = "标准成果导入模板"
)

// DefaultTemplate is created the first time an import runs against a
// source with no saved template.
func DefaultTemplate() Template {
	tpl, err := NewTemplate(DefaultTemplateID, DefaultTemplateName, []Rule{
		{ExternalField: "学生姓名", Target: TargetStudentID, Kind: EntityNameToID, Params: Params{Entity: EntityStudent}, Required: true, Ordinal: 1},
		{ExternalField: "成果标题", Target: TargetTitle, Kind: Passthrough, Required: true, Ordinal: 2},
		{ExternalField: "成果类别", Target: TargetType, Kind: EnumMap, Params: Params{EnumTable: TypeTable}, Required: true, Ordinal: 3},
		{ExternalField: "奖项等级", Target: TargetLevel, Kind: EnumMap, Params: Params{EnumTable: LevelTable}, Required: true, Ordinal: 4},
		{ExternalField: "具体奖项", Target: TargetAward, Kind: Passthrough, Required: true, Ordinal: 5},
		{ExternalField: "获奖日期", Target: TargetDate, Kind: DateParse, Required: true, Ordinal: 6},
		{ExternalField: "指导教师", Target: TargetTeacherID, Kind: EntityNameToID, Params: Params{Entity: EntityTeacher, Fuzzy: true}, Required: true, Ordinal: 7},
		{ExternalField: "颁发单位", Target: TargetIssuer, Kind: Passthrough, Ordinal: 8},
		{ExternalField: "证书编号", Target: TargetCertificateNumber, Kind: Passthrough, Ordinal: 9},
	})
	if err != nil {
		panic("mapping: invalid default template: " + err.Error())
	}
	return tpl
}
