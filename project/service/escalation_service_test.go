package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"support-bot/project/domain"
)

func rotation(members ...string) domain.EscalationEntry {
	return domain.NewEscalationEntry(members)
}

func newEscalationFixture(t *testing.T, schema domain.EscalationSchema) (*escalationService, *fakeEscalationRepo, *fakeReplyRepo, *fakeSlack) {
	t.Helper()
	er := newFakeEscalationRepo(schema)
	rr := newFakeReplyRepo()
	sp := &fakeSlack{users: map[string]string{}}
	svc := NewEscalationService(testConfig(), er, rr, sp, testLogger).(*escalationService)
	return svc, er, rr, sp
}

func reactionOn(replyTS string) *ReactionEvent {
	return &ReactionEvent{
		UserID:    "UHUMAN",
		Reaction:  "x",
		ItemType:  "message",
		ChannelID: "C1",
		ItemTS:    replyTS,
		BotUserID: "UBOT",
	}
}

func TestEscalationRouter_RoundRobin(t *testing.T) {
	repo := newFakeEscalationRepo(domain.EscalationSchema{"billing": rotation("A", "B", "C")})
	router := NewEscalationRouter(repo)

	var got []string
	for i := 0; i < 4; i++ {
		m, err := router.Assign(context.Background(), "billing")
		require.NoError(t, err)
		got = append(got, m)
	}

	assert.Equal(t, []string{"A", "B", "C", "A"}, got)
	assert.Equal(t, 0, repo.entry("billing").LastIndex)
}

func TestEscalationRouter_RereadsAfterConflict(t *testing.T) {
	repo := newFakeEscalationRepo(domain.EscalationSchema{"billing": rotation("A", "B", "C")})
	// 最初の書き込みの直前に別の処理が A を割り当てた状態にする
	repo.beforeWrite = func(schema domain.EscalationSchema) {
		e := schema["billing"]
		e.LastIndex = 0
		schema["billing"] = e
	}
	router := NewEscalationRouter(repo)
	router.baseDelay = time.Millisecond

	m, err := router.Assign(context.Background(), "billing")
	require.NoError(t, err)

	assert.Equal(t, "B", m)
	assert.Equal(t, 1, repo.entry("billing").LastIndex)
	assert.Equal(t, 1, repo.writes)
}

func TestEscalationRouter_ConcurrentAssignIsFair(t *testing.T) {
	repo := newFakeEscalationRepo(domain.EscalationSchema{"billing": rotation("A", "B")})
	router := NewEscalationRouter(repo)
	router.baseDelay = time.Millisecond
	router.maxConflicts = 100

	const workers, perWorker = 4, 5
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		counts = map[string]int{}
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				m, err := router.Assign(context.Background(), "billing")
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				counts[m]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, map[string]int{"A": 10, "B": 10}, counts)
	assert.Equal(t, workers*perWorker, repo.writes)
}

func TestEscalationRouter_UnknownCategory(t *testing.T) {
	router := NewEscalationRouter(newFakeEscalationRepo(nil))

	_, err := router.Assign(context.Background(), "missing")

	assert.ErrorIs(t, err, domain.ErrUnknownCategory)
}

func TestOnReaction_EscalatesToNextMember(t *testing.T) {
	svc, er, rr, sp := newEscalationFixture(t, domain.EscalationSchema{"billing": rotation("U1", "U2")})
	require.NoError(t, rr.Save(context.Background(), &domain.BotReply{
		ChannelID: "C1", ReplyTS: "200.1", ThreadTS: "100.1", Category: "billing",
	}))

	out, err := svc.OnReaction(context.Background(), reactionOn("200.1"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeEscalated, out.State)
	assert.Equal(t, "U1", out.Assignee)
	assert.Equal(t, "billing", out.Category)
	require.Len(t, sp.messages(), 1)
	msg := sp.messages()[0]
	assert.Equal(t, "C1", msg.ChannelID)
	assert.Equal(t, "100.1", msg.ThreadTS)
	assert.Contains(t, msg.Text, "<@U1>")
	assert.Equal(t, 0, er.entry("billing").LastIndex)
	assert.Equal(t, []string{"U1"}, sp.dms)

	// 同じ返信への2回目のリアクションではローテーションを進めない
	again := reactionOn("200.1")
	again.UserID = "UOTHER"
	out, err = svc.OnReaction(context.Background(), again)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out.State)
	assert.Equal(t, ReasonAlreadyEscalated, out.Reason)
	assert.Len(t, sp.messages(), 1)
	assert.Equal(t, 0, er.entry("billing").LastIndex)
}

func TestOnReaction_OtherRepliesStillEscalate(t *testing.T) {
	svc, _, rr, _ := newEscalationFixture(t, domain.EscalationSchema{"billing": rotation("U1", "U2")})
	for _, ts := range []string{"200.1", "300.1"} {
		require.NoError(t, rr.Save(context.Background(), &domain.BotReply{
			ChannelID: "C1", ReplyTS: ts, Category: "billing",
		}))
	}

	first, err := svc.OnReaction(context.Background(), reactionOn("200.1"))
	require.NoError(t, err)
	second, err := svc.OnReaction(context.Background(), reactionOn("300.1"))
	require.NoError(t, err)

	assert.Equal(t, "U1", first.Assignee)
	assert.Equal(t, "U2", second.Assignee)
}

func TestOnReaction_UnknownCategoryCanRetryAfterRegistration(t *testing.T) {
	svc, er, rr, _ := newEscalationFixture(t, nil)
	require.NoError(t, rr.Save(context.Background(), &domain.BotReply{
		ChannelID: "C1", ReplyTS: "200.1", Category: "billing",
	}))

	out, err := svc.OnReaction(context.Background(), reactionOn("200.1"))
	require.NoError(t, err)
	assert.Equal(t, ReasonUnknownCategory, out.Reason)

	require.NoError(t, er.Put(context.Background(), "billing", rotation("U1")))
	out, err = svc.OnReaction(context.Background(), reactionOn("200.1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalated, out.State)
	assert.Equal(t, "U1", out.Assignee)
}

func TestOnReaction_ClaimFailure(t *testing.T) {
	svc, er, rr, sp := newEscalationFixture(t, domain.EscalationSchema{"billing": rotation("U1")})
	require.NoError(t, rr.Save(context.Background(), &domain.BotReply{
		ChannelID: "C1", ReplyTS: "200.1", Category: "billing",
	}))
	rr.claimErr = errBoom

	out, err := svc.OnReaction(context.Background(), reactionOn("200.1"))

	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, OutcomeIgnored, out.State)
	assert.Empty(t, sp.messages())
	assert.Equal(t, 0, er.writes)
}

func TestOnReaction_DMFailureIsNotFatal(t *testing.T) {
	svc, _, rr, sp := newEscalationFixture(t, domain.EscalationSchema{"billing": rotation("U1")})
	require.NoError(t, rr.Save(context.Background(), &domain.BotReply{
		ChannelID: "C1", ReplyTS: "200.1", Category: "billing",
	}))
	sp.dmErr = errBoom

	out, err := svc.OnReaction(context.Background(), reactionOn("200.1"))

	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalated, out.State)
	require.Len(t, sp.messages(), 1)
	assert.Equal(t, "200.1", sp.messages()[0].ThreadTS)
}

func TestOnReaction_Ignored(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(ev *ReactionEvent)
		reason string
	}{
		{"bot reaction", func(ev *ReactionEvent) { ev.UserID = "UBOT" }, ReasonBotReaction},
		{"bot identity unknown", func(ev *ReactionEvent) { ev.BotUserID = "" }, ReasonBotUnknown},
		{"other emoji", func(ev *ReactionEvent) { ev.Reaction = "thumbsup" }, ReasonNotTrigger},
		{"file item", func(ev *ReactionEvent) { ev.ItemType = "file" }, ReasonNotMessage},
		{"unknown reply", func(ev *ReactionEvent) { ev.ItemTS = "999.9" }, ReasonUnknownReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, er, rr, sp := newEscalationFixture(t, domain.EscalationSchema{"billing": rotation("U1", "U2")})
			require.NoError(t, rr.Save(context.Background(), &domain.BotReply{
				ChannelID: "C1", ReplyTS: "200.1", ThreadTS: "100.1", Category: "billing",
			}))
			ev := reactionOn("200.1")
			tt.mutate(ev)

			out, err := svc.OnReaction(context.Background(), ev)
			require.NoError(t, err)

			assert.Equal(t, OutcomeIgnored, out.State)
			assert.Equal(t, tt.reason, out.Reason)
			assert.Empty(t, sp.messages())
			assert.Equal(t, 1, er.entry("billing").LastIndex)
		})
	}
}

func TestOnReaction_TriggerWithColons(t *testing.T) {
	svc, _, rr, _ := newEscalationFixture(t, domain.EscalationSchema{"billing": rotation("U1")})
	require.NoError(t, rr.Save(context.Background(), &domain.BotReply{
		ChannelID: "C1", ReplyTS: "200.1", Category: "billing",
	}))
	ev := reactionOn("200.1")
	ev.Reaction = ":x:"

	out, err := svc.OnReaction(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalated, out.State)
}

func TestOnReaction_UnknownCategoryPostsNotice(t *testing.T) {
	svc, er, rr, sp := newEscalationFixture(t, domain.EscalationSchema{"billing": rotation("U1")})
	require.NoError(t, rr.Save(context.Background(), &domain.BotReply{
		ChannelID: "C1", ReplyTS: "200.1", ThreadTS: "100.1", Category: "uncategorized",
	}))

	out, err := svc.OnReaction(context.Background(), reactionOn("200.1"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeIgnored, out.State)
	assert.Equal(t, ReasonUnknownCategory, out.Reason)
	require.Len(t, sp.messages(), 1)
	assert.Contains(t, sp.messages()[0].Text, "uncategorized")
	assert.Equal(t, 0, er.writes)
}

func TestOnReaction_NotifyFailureKeepsRotation(t *testing.T) {
	svc, er, rr, sp := newEscalationFixture(t, domain.EscalationSchema{"billing": rotation("U1", "U2")})
	require.NoError(t, rr.Save(context.Background(), &domain.BotReply{
		ChannelID: "C1", ReplyTS: "200.1", Category: "billing",
	}))
	sp.postErr = errBoom

	out, err := svc.OnReaction(context.Background(), reactionOn("200.1"))

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExternalService)
	assert.Equal(t, OutcomeEscalated, out.State)
	assert.Equal(t, "U1", out.Assignee)
	assert.Equal(t, 0, er.entry("billing").LastIndex)
}

func TestSetRotation(t *testing.T) {
	svc, er, _, sp := newEscalationFixture(t, nil)
	sp.users = map[string]string{"<@U1>": "U1", "alice": "U2"}

	entry, err := svc.SetRotation(context.Background(), " Billing ", []string{"<@U1>", "alice", "<@U1>"})
	require.NoError(t, err)

	assert.Equal(t, []string{"U1", "U2"}, entry.Members)
	assert.Equal(t, 1, entry.LastIndex)
	assert.Equal(t, entry, er.entry("billing"))
}

func TestSetRotation_SameMembersKeepsPosition(t *testing.T) {
	current := domain.EscalationEntry{Members: []string{"U1", "U2"}, LastIndex: 0}
	svc, er, _, sp := newEscalationFixture(t, domain.EscalationSchema{"billing": current})
	sp.users = map[string]string{"<@U1>": "U1", "<@U2>": "U2"}

	entry, err := svc.SetRotation(context.Background(), "billing", []string{"<@U1>", "<@U2>"})
	require.NoError(t, err)

	assert.Equal(t, 0, entry.LastIndex)
	assert.Equal(t, current, er.entry("billing"))
}

func TestSetRotation_SameMembersDoesNotRollBackConcurrentAssign(t *testing.T) {
	svc, er, _, sp := newEscalationFixture(t, domain.EscalationSchema{"billing": rotation("U1", "U2", "U3")})
	sp.users = map[string]string{"<@U1>": "U1", "<@U2>": "U2", "<@U3>": "U3"}
	// 読み取り直後に別のエスカレーションが U1 を割り当てた状態にする
	er.afterRead = func(schema domain.EscalationSchema) {
		e := schema["billing"]
		e.LastIndex = 0
		schema["billing"] = e
	}

	_, err := svc.SetRotation(context.Background(), "billing", []string{"<@U1>", "<@U2>", "<@U3>"})
	require.NoError(t, err)
	assert.Equal(t, 0, er.entry("billing").LastIndex)

	next, err := svc.router.Assign(context.Background(), "billing")
	require.NoError(t, err)
	assert.Equal(t, "U2", next)
}

func TestSetRotation_NewMembersRetryOnConflict(t *testing.T) {
	svc, er, _, sp := newEscalationFixture(t, domain.EscalationSchema{"billing": rotation("U1", "U2")})
	svc.router.baseDelay = time.Millisecond
	sp.users = map[string]string{"<@U3>": "U3"}
	er.afterRead = func(schema domain.EscalationSchema) {
		e := schema["billing"]
		e.LastIndex = 0
		schema["billing"] = e
	}

	entry, err := svc.SetRotation(context.Background(), "billing", []string{"<@U3>"})
	require.NoError(t, err)

	assert.Equal(t, rotation("U3"), entry)
	assert.Equal(t, rotation("U3"), er.entry("billing"))
	assert.Equal(t, 1, er.writes)
}

func TestLoadStaff_DoesNotRollBackConcurrentAssign(t *testing.T) {
	svc, er, _, _ := newEscalationFixture(t, domain.EscalationSchema{"billing": rotation("U1", "U2")})
	er.afterRead = func(schema domain.EscalationSchema) {
		e := schema["billing"]
		e.LastIndex = 0
		schema["billing"] = e
	}

	_, err := svc.LoadStaff(context.Background(), []domain.StaffMember{
		{Name: "alice", AccountID: "U1", Tasks: []string{"billing"}},
		{Name: "bob", AccountID: "U2", Tasks: []string{"billing"}},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, 0, er.entry("billing").LastIndex)

	next, err := svc.router.Assign(context.Background(), "billing")
	require.NoError(t, err)
	assert.Equal(t, "U2", next)
}

func TestSetRotation_Invalid(t *testing.T) {
	svc, _, _, sp := newEscalationFixture(t, nil)
	sp.users = map[string]string{}

	_, err := svc.SetRotation(context.Background(), "", []string{"<@U1>"})
	assert.ErrorIs(t, err, domain.ErrInvalid)

	_, err = svc.SetRotation(context.Background(), "billing", []string{" "})
	assert.ErrorIs(t, err, domain.ErrInvalid)

	_, err = svc.SetRotation(context.Background(), "billing", []string{"nobody"})
	assert.ErrorIs(t, err, domain.ErrExternalService)
}

func TestShowAndRemoveRotation(t *testing.T) {
	svc, _, _, _ := newEscalationFixture(t, domain.EscalationSchema{
		"billing":  rotation("U1"),
		"shipping": rotation("U2"),
	})
	ctx := context.Background()

	all, err := svc.ShowRotation(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := svc.ShowRotation(ctx, "Billing")
	require.NoError(t, err)
	assert.Equal(t, []string{"U1"}, one["billing"].Members)

	require.NoError(t, svc.RemoveRotation(ctx, "billing"))
	_, err = svc.ShowRotation(ctx, "billing")
	assert.ErrorIs(t, err, domain.ErrUnknownCategory)

	assert.ErrorIs(t, svc.RemoveRotation(ctx, ""), domain.ErrInvalid)
}

func TestLoadStaff(t *testing.T) {
	kept := domain.EscalationEntry{Members: []string{"U1"}, LastIndex: 0}
	svc, er, _, _ := newEscalationFixture(t, domain.EscalationSchema{
		"billing": kept,
		"legacy":  rotation("U9"),
	})
	staff := []domain.StaffMember{
		{Name: "alice", AccountID: "U1", Tasks: []string{"billing"}},
		{Name: "bob", AccountID: "U2", Tasks: []string{"shipping"}},
		{Name: "carol", AccountID: "U3", Tasks: []string{"Shipping"}},
	}

	schema, err := svc.LoadStaff(context.Background(), staff, true)
	require.NoError(t, err)

	assert.Equal(t, kept, schema["billing"])
	assert.Equal(t, []string{"U2", "U3"}, schema["shipping"].Members)
	assert.Equal(t, 1, schema["shipping"].LastIndex)
	assert.NotContains(t, schema, "legacy")

	all, err := er.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.NotContains(t, all, "legacy")
}

func TestLoadStaff_MergeKeepsOtherCategories(t *testing.T) {
	svc, er, _, _ := newEscalationFixture(t, domain.EscalationSchema{"legacy": rotation("U9")})

	_, err := svc.LoadStaff(context.Background(), []domain.StaffMember{
		{Name: "alice", AccountID: "U1", Tasks: []string{"billing"}},
	}, false)
	require.NoError(t, err)

	all, err := er.List(context.Background())
	require.NoError(t, err)
	assert.Contains(t, all, "legacy")
	assert.Contains(t, all, "billing")
}
