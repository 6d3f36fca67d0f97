package recipients

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging/internal/types"
)

const testDomain = "scheduling-recipient-test"

type fixture struct {
	dir      *memDirectory
	country  *types.Location
	state    *types.Location
	city     *types.Location
	mobile   *types.User
	mobile2  *types.User
	web      *types.User
	group    *types.Group
	caseItem *types.Case
}

func newFixture() *fixture {
	dir := newMemDirectory()
	f := &fixture{dir: dir}

	f.country = dir.addLocation(&types.Location{ID: "usa", Domain: testDomain, LocationTypeID: "country"})
	f.state = dir.addLocation(&types.Location{ID: "ma", Domain: testDomain, LocationTypeID: "state", ParentID: "usa"})
	f.city = dir.addLocation(&types.Location{ID: "boston", Domain: testDomain, LocationTypeID: "city", ParentID: "ma"})

	f.mobile = dir.addUser(&types.User{ID: "mobile", Kind: types.UserMobile, Domain: testDomain,
		LocationIDs: []string{"boston"}, IsActive: true})
	f.mobile2 = dir.addUser(&types.User{ID: "mobile2", Kind: types.UserMobile, Domain: testDomain,
		LocationIDs: []string{"ma"}, IsActive: true})
	f.web = dir.addUser(&types.User{ID: "web", Kind: types.UserWeb, Domain: testDomain, IsActive: true})

	f.group = dir.addGroup(&types.Group{ID: "group", Domain: testDomain, UserIDs: []string{"mobile", "web"}})

	f.caseItem = dir.addCase(&types.Case{ID: "case-1", Domain: testDomain, Type: "person",
		Properties: map[string]string{}})
	return f
}

func (f *fixture) resolver() *Resolver {
	return NewResolver(ResolverConfig{Directory: f.dir, LookupTimeout: time.Second})
}

func userIDs(t *testing.T, seq func(func(*types.Recipient, error) bool)) []string {
	t.Helper()
	var ids []string
	for r, err := range seq {
		require.NoError(t, err)
		ids = append(ids, r.ID())
	}
	return ids
}

// =============================================================================
// Resolver
// =============================================================================

func TestResolve_AbsoluteTypes(t *testing.T) {
	f := newFixture()
	r := f.resolver()
	ctx := context.Background()

	got := r.Resolve(ctx, testDomain, types.RecipientCase, "case-1", "")
	require.NotNil(t, got)
	assert.Equal(t, types.KindCase, got.Kind)

	got = r.Resolve(ctx, testDomain, types.RecipientMobileWorker, "mobile", "")
	require.NotNil(t, got)
	assert.Equal(t, types.KindMobileWorker, got.Kind)

	got = r.Resolve(ctx, testDomain, types.RecipientWebUser, "web", "")
	require.NotNil(t, got)
	assert.Equal(t, types.KindWebUser, got.Kind)

	got = r.Resolve(ctx, testDomain, types.RecipientUserGroup, "group", "")
	require.NotNil(t, got)
	assert.Equal(t, "group", got.ID())

	got = r.Resolve(ctx, testDomain, types.RecipientLocation, "boston", "")
	require.NotNil(t, got)
	assert.Equal(t, types.RecipientKey{Type: types.RecipientLocation, ID: "boston"}, got.Key())
}

func TestResolve_FailsClosed(t *testing.T) {
	f := newFixture()
	f.dir.addCase(&types.Case{ID: "deleted-case", Domain: testDomain, Deleted: true})
	f.dir.addUser(&types.User{ID: "other-domain-user", Kind: types.UserMobile, Domain: "elsewhere"})
	r := f.resolver()
	ctx := context.Background()

	tests := []struct {
		name string
		typ  types.RecipientType
		id   string
	}{
		{"missing case", types.RecipientCase, "nope"},
		{"deleted case", types.RecipientCase, "deleted-case"},
		{"web user as mobile worker", types.RecipientMobileWorker, "web"},
		{"mobile worker as web user", types.RecipientWebUser, "mobile"},
		{"cross-domain user", types.RecipientMobileWorker, "other-domain-user"},
		{"unknown type", types.RecipientType("Robot"), "x"},
		{"relative type without case", types.RecipientSelf, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Nil(t, r.Resolve(ctx, testDomain, tc.typ, tc.id, ""))
		})
	}
}

func TestResolve_LookupErrorYieldsNil(t *testing.T) {
	f := newFixture()
	f.dir.failOn["GetUser"] = true
	r := f.resolver()

	assert.Nil(t, r.Resolve(context.Background(), testDomain, types.RecipientMobileWorker, "mobile", ""))
}

func TestResolveStrict_SeparatesMissingFromFailure(t *testing.T) {
	f := newFixture()
	r := f.resolver()
	ctx := context.Background()

	got, err := r.ResolveStrict(ctx, testDomain, types.RecipientMobileWorker, "mobile", "")
	require.NoError(t, err)
	require.NotNil(t, got)

	got, err = r.ResolveStrict(ctx, testDomain, types.RecipientMobileWorker, "nobody", "")
	require.NoError(t, err, "a missing user is not a lookup failure")
	assert.Nil(t, got)

	got, err = r.ResolveStrict(ctx, testDomain, types.RecipientMobileWorker, "web", "")
	require.NoError(t, err)
	assert.Nil(t, got)

	f.dir.failOn["GetUser"] = true
	got, err = r.ResolveStrict(ctx, testDomain, types.RecipientMobileWorker, "mobile", "")
	assert.ErrorIs(t, err, errDirectoryDown)
	assert.Nil(t, got)

	f.dir.failOn["GetCase"] = true
	_, err = r.ResolveStrict(ctx, testDomain, types.RecipientSelf, "", "case-1")
	assert.ErrorIs(t, err, errDirectoryDown)
}

func TestResolve_Owner(t *testing.T) {
	f := newFixture()
	r := f.resolver()
	ctx := context.Background()

	tests := []struct {
		owner    string
		wantKind types.RecipientKind
		wantID   string
	}{
		{"boston", types.KindLocation, "boston"},
		{"group", types.KindGroup, "group"},
		{"mobile", types.KindMobileWorker, "mobile"},
		{"web", types.KindWebUser, "web"},
	}
	for _, tc := range tests {
		t.Run(tc.owner, func(t *testing.T) {
			f.caseItem.OwnerID = tc.owner
			got := r.Resolve(ctx, testDomain, types.RecipientCaseOwner, "", "case-1")
			require.NotNil(t, got)
			assert.Equal(t, tc.wantKind, got.Kind)
			assert.Equal(t, tc.wantID, got.ID())
		})
	}

	t.Run("unknown owner", func(t *testing.T) {
		f.caseItem.OwnerID = "ghost"
		assert.Nil(t, r.Resolve(ctx, testDomain, types.RecipientCaseOwner, "", "case-1"))
	})
}

func TestResolve_LastSubmittingUser(t *testing.T) {
	f := newFixture()
	r := f.resolver()
	ctx := context.Background()

	f.caseItem.LastModifiedBy = "mobile"
	got := r.Resolve(ctx, testDomain, types.RecipientLastSubmittingUser, "", "case-1")
	require.NotNil(t, got)
	assert.Equal(t, "mobile", got.ID())

	f.caseItem.LastModifiedBy = "web"
	got = r.Resolve(ctx, testDomain, types.RecipientLastSubmittingUser, "", "case-1")
	require.NotNil(t, got)
	assert.Equal(t, types.KindWebUser, got.Kind)

	f.caseItem.LastModifiedBy = types.SystemUserID
	assert.Nil(t, r.Resolve(ctx, testDomain, types.RecipientLastSubmittingUser, "", "case-1"))
}

func TestResolve_ParentAndSubcases(t *testing.T) {
	f := newFixture()
	f.dir.addCase(&types.Case{ID: "child-open", Domain: testDomain,
		Indices: map[string]string{types.ParentIndexIdentifier: "case-1"}})
	f.dir.addCase(&types.Case{ID: "child-closed", Domain: testDomain, Closed: true,
		Indices: map[string]string{types.ParentIndexIdentifier: "case-1"}})
	r := f.resolver()
	ctx := context.Background()

	got := r.Resolve(ctx, testDomain, types.RecipientParentCase, "", "child-open")
	require.NotNil(t, got)
	assert.Equal(t, "case-1", got.ID())

	assert.Nil(t, r.Resolve(ctx, testDomain, types.RecipientParentCase, "", "case-1"))

	got = r.Resolve(ctx, testDomain, types.RecipientSubcase, "", "case-1")
	require.NotNil(t, got)
	require.Equal(t, types.KindCaseList, got.Kind)
	require.Len(t, got.Cases, 1)
	assert.Equal(t, "child-open", got.Cases[0].ID)

	got = r.Resolve(ctx, testDomain, types.RecipientSelf, "", "case-1")
	require.NotNil(t, got)
	assert.Equal(t, "case-1", got.ID())
}

// =============================================================================
// Expander
// =============================================================================

func TestExpand_LocationWithoutDescendants(t *testing.T) {
	f := newFixture()
	e := NewExpander(f.dir, nil)
	s := &types.Schedule{IncludeDescendantLocations: false}
	ctx := context.Background()

	assert.Empty(t, userIDs(t, e.Expand(ctx, types.LocationRecipient(f.country), s)))
	assert.Equal(t, []string{"mobile2"}, userIDs(t, e.Expand(ctx, types.LocationRecipient(f.state), s)))
}

func TestExpand_LocationWithDescendants(t *testing.T) {
	f := newFixture()
	e := NewExpander(f.dir, nil)
	s := &types.Schedule{IncludeDescendantLocations: true}

	ids := userIDs(t, e.Expand(context.Background(), types.LocationRecipient(f.state), s))
	assert.ElementsMatch(t, []string{"mobile", "mobile2"}, ids)
}

func TestExpand_LocationTypeFilter(t *testing.T) {
	f := newFixture()
	e := NewExpander(f.dir, nil)
	s := &types.Schedule{IncludeDescendantLocations: true, LocationTypeFilter: []string{"city"}}

	ids := userIDs(t, e.Expand(context.Background(), types.LocationRecipient(f.country), s))
	assert.Equal(t, []string{"mobile"}, ids)
}

func TestExpand_LocationDeduplicatesUsers(t *testing.T) {
	f := newFixture()
	f.mobile.LocationIDs = []string{"boston", "ma"}
	e := NewExpander(f.dir, nil)
	s := &types.Schedule{IncludeDescendantLocations: true}

	ids := userIDs(t, e.Expand(context.Background(), types.LocationRecipient(f.country), s))
	assert.ElementsMatch(t, []string{"mobile", "mobile2"}, ids)
}

func TestExpand_LocationErrorEndsSequence(t *testing.T) {
	f := newFixture()
	f.dir.failOn["ListChildLocations"] = true
	e := NewExpander(f.dir, nil)

	var errs int
	for r, err := range e.Expand(context.Background(), types.LocationRecipient(f.country),
		&types.Schedule{IncludeDescendantLocations: true}) {
		assert.Nil(t, r)
		assert.ErrorIs(t, err, errDirectoryDown)
		errs++
	}
	assert.Equal(t, 1, errs)
}

func TestExpand_GroupYieldsActiveMobileWorkersOnly(t *testing.T) {
	f := newFixture()
	f.dir.addUser(&types.User{ID: "inactive", Kind: types.UserMobile, Domain: testDomain})
	f.group.UserIDs = append(f.group.UserIDs, "inactive", "missing")
	e := NewExpander(f.dir, nil)

	ids := userIDs(t, e.Expand(context.Background(), types.GroupRecipient(f.group), nil))
	assert.Equal(t, []string{"mobile"}, ids)
}

func TestExpand_CaseGroupAndCaseList(t *testing.T) {
	f := newFixture()
	f.dir.addCase(&types.Case{ID: "case-2", Domain: testDomain})
	e := NewExpander(f.dir, nil)
	ctx := context.Background()

	cg := &types.CaseGroup{ID: "cg", Domain: testDomain, CaseIDs: []string{"case-1", "gone", "case-2"}}
	assert.Equal(t, []string{"case-1", "case-2"}, userIDs(t, e.Expand(ctx, types.CaseGroupRecipient(cg), nil)))

	list := types.CaseListRecipient([]*types.Case{f.caseItem})
	assert.Equal(t, []string{"case-1"}, userIDs(t, e.Expand(ctx, list, nil)))
}

func TestExpand_IndividualsAreIdentity(t *testing.T) {
	f := newFixture()
	e := NewExpander(f.dir, nil)
	ctx := context.Background()

	for _, r := range []*types.Recipient{
		types.CaseRecipient(f.caseItem),
		types.UserRecipient(f.mobile),
		types.UserRecipient(f.web),
	} {
		var got []*types.Recipient
		for x, err := range e.Expand(ctx, r, nil) {
			require.NoError(t, err)
			got = append(got, x)
		}
		require.Len(t, got, 1)
		assert.Same(t, r, got[0])
	}

	assert.Empty(t, userIDs(t, e.Expand(ctx, nil, nil)))
}

func TestExpand_StopsWhenConsumerBreaks(t *testing.T) {
	f := newFixture()
	e := NewExpander(f.dir, nil)

	count := 0
	for range e.Expand(context.Background(), types.LocationRecipient(f.country),
		&types.Schedule{IncludeDescendantLocations: true}) {
		count++
		break
	}
	assert.Equal(t, 1, count)
}
