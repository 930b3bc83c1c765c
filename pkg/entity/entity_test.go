package entity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRules(t *testing.T, cfgs ...RuleConfig) *Rules {
	t.Helper()
	r, err := Compile(MustVocabulary(DefaultEntities), cfgs)
	require.NoError(t, err)
	return r
}

func TestCompile(t *testing.T) {
	vocab := MustVocabulary(DefaultEntities)

	tests := []struct {
		name    string
		cfgs    []RuleConfig
		wantErr error
	}{
		{
			name: "valid",
			cfgs: []RuleConfig{{Template: `sub-([^_]+)_(T1w)\.nii`, Entities: []string{"subject", "suffix"}}},
		},
		{
			name:    "no rules",
			wantErr: ErrNoRules,
		},
		{
			name:    "bad regex",
			cfgs:    []RuleConfig{{Template: `sub-([^_]+`, Entities: []string{"subject"}}},
			wantErr: ErrInvalidTemplate,
		},
		{
			name:    "group mismatch",
			cfgs:    []RuleConfig{{Template: `sub-([^_]+)_(.*)`, Entities: []string{"subject"}}},
			wantErr: ErrGroupMismatch,
		},
		{
			name:    "unknown entity",
			cfgs:    []RuleConfig{{Template: `sub-([^_]+)`, Entities: []string{"patient"}}},
			wantErr: ErrUnknownKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Compile(vocab, tt.cfgs)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.Nil(t, r)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, len(tt.cfgs), r.Len())
		})
	}
}

func TestCompile_RuleErrorCarriesIndex(t *testing.T) {
	_, err := Compile(MustVocabulary(DefaultEntities), []RuleConfig{
		{Template: `ok`, Entities: nil},
		{Template: `(`, Entities: nil},
	})
	var rerr *RuleError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 1, rerr.Index)
}

func TestRules_FirstMatchWins(t *testing.T) {
	r := testRules(t,
		RuleConfig{Template: `sub-([^_]+)_desc-brain_(mask)\.nii(\.gz)?`, Entities: []string{"subject", "suffix", "extension"}, Role: "brainmask"},
		RuleConfig{Template: `sub-([^_]+)_(?:.*_)?([^_.]+)\.nii(\.gz)?`, Entities: []string{"subject", "suffix", "extension"}},
	)

	m, ok := r.Match("sub-01/anat/sub-01_desc-brain_mask.nii.gz")
	require.True(t, ok)
	assert.Equal(t, 0, m.Rule)
	assert.Equal(t, "brainmask", m.Role)
	assert.Equal(t, "subject=01,suffix=mask,extension=.gz", m.Entities.String())

	m, ok = r.Match("sub-02/anat/sub-02_T1w.nii")
	require.True(t, ok)
	assert.Equal(t, 1, m.Rule)
	assert.Empty(t, m.Role)
	assert.Equal(t, "subject=02,suffix=T1w", m.Entities.String(), "unmatched optional group omits its key")
}

func TestRules_NoMatch(t *testing.T) {
	r := testRules(t, RuleConfig{Template: `sub-([^_]+)_T1w\.nii`, Entities: []string{"subject"}})

	_, ok := r.Match("dataset_description.json")
	assert.False(t, ok)

	// templates are anchored
	_, ok = r.Match("xsub-01_T1w.nii.bak")
	assert.False(t, ok)
}

func TestRules_PathScope(t *testing.T) {
	r := testRules(t, RuleConfig{
		Template: `sub-([^/]+)/ses-([^/]+)/.*_(bold)\.nii\.gz`,
		Entities: []string{"subject", "session", "suffix"},
		Scope:    ScopePath,
	})

	m, ok := r.Match("sub-01/ses-A/sub-01_ses-A_task-rest_bold.nii.gz")
	require.True(t, ok)
	assert.Equal(t, "subject=01,session=A,suffix=bold", m.Entities.String())

	_, ok = r.Match("sub-01_ses-A_task-rest_bold.nii.gz")
	assert.False(t, ok)
}

func TestSet_OrderFollowsVocabulary(t *testing.T) {
	vocab := MustVocabulary(DefaultEntities)
	s, err := vocab.NewSet(map[string]string{"suffix": "mask", "session": "A", "subject": "01", "run": ""})
	require.NoError(t, err)

	assert.Equal(t, []Pair{{"subject", "01"}, {"session", "A"}, {"suffix", "mask"}}, s.Pairs())
	_, ok := s.Get("run")
	assert.False(t, ok, "empty values are dropped")

	_, err = vocab.NewSet(map[string]string{"patient": "x"})
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestSet_ProjectAndCompare(t *testing.T) {
	vocab := MustVocabulary(DefaultEntities)
	a, _ := vocab.NewSet(map[string]string{"subject": "01", "suffix": "T1w"})
	b, _ := vocab.NewSet(map[string]string{"subject": "01", "session": "A", "suffix": "mask"})

	keys := []string{"subject", "session"}
	assert.Equal(t, Key{{"subject", "01"}, {"session", ""}}, a.Project(keys))
	assert.Equal(t, -1, a.Project(keys).Compare(b.Project(keys)))
	assert.True(t, a.Equal(b, []string{"subject"}))
	assert.False(t, a.Equal(b, nil))
	assert.Equal(t, "subject=01", a.Project(keys).String())
}

func TestFilter(t *testing.T) {
	vocab := MustVocabulary(DefaultEntities)
	s, _ := vocab.NewSet(map[string]string{"subject": "01", "space": "T1w", "suffix": "mask"})

	tests := []struct {
		name  string
		terms map[string]Value
		want  bool
	}{
		{name: "empty filter", terms: nil, want: true},
		{name: "literal hit", terms: map[string]Value{"space": Literal("T1w")}, want: true},
		{name: "literal miss", terms: map[string]Value{"space": Literal("MNI")}, want: false},
		{name: "one of hit", terms: map[string]Value{"subject": OneOf("02", "01", "01")}, want: true},
		{name: "one of miss", terms: map[string]Value{"subject": OneOf("02", "03")}, want: false},
		{name: "any present", terms: map[string]Value{"suffix": Any()}, want: true},
		{name: "any absent", terms: map[string]Value{"session": Any()}, want: false},
		{name: "literal absent", terms: map[string]Value{"run": Literal("1")}, want: false},
		{name: "conjunction", terms: map[string]Value{"space": Literal("T1w"), "suffix": Literal("T1w")}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewFilter(tt.terms).Match(s))
		})
	}
}

func TestFilter_StringIsSorted(t *testing.T) {
	f := NewFilter(map[string]Value{"suffix": Any(), "space": OneOf("b", "a"), "desc": Literal("brain")})
	assert.Equal(t, "desc=brain,space={a|b},suffix=*", f.String())
}
