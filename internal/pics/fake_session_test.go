package pics

import (
	"context"
	"errors"
	"sync"
)

// fakeSession is a deterministic, in-memory SteamSession double used by the
// crawler's own test suite — there is no Steam protocol library anywhere in
// the retrieval pack to test a real adapter against.
type fakeSession struct {
	mu sync.Mutex

	connected bool
	loggedOn  bool

	changeNumber    uint32
	changes         ChangesSinceResult
	changesSequence []ChangesSinceResult // if set, PICSGetChangesSince pops one per call instead of echoing changes
	changesCalls    int
	appList         []uint32
	appNames     map[uint32]string
	productInfo  map[uint32]ProductInfo
	tokens       map[uint32]uint64

	connectErr  error
	failConnects int // number of leading Connect calls to fail, for retry tests
	disconnects []bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		appNames:    make(map[uint32]string),
		productInfo: make(map[uint32]ProductInfo),
		tokens:      make(map[uint32]uint64),
	}
}

func (f *fakeSession) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConnects > 0 {
		f.failConnects--
		return errors.New("fake: connect failed")
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeSession) LogOnAnonymous(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOn = true
	return nil
}

func (f *fakeSession) LogOnWithToken(ctx context.Context, refreshToken, guardData string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if refreshToken == "" {
		return errors.New("fake: empty refresh token")
	}
	f.loggedOn = true
	return nil
}

func (f *fakeSession) PICSGetChangesSince(ctx context.Context, since uint32) (ChangesSinceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.changesSequence != nil {
		idx := f.changesCalls
		if idx >= len(f.changesSequence) {
			idx = len(f.changesSequence) - 1
		}
		f.changesCalls++
		return f.changesSequence[idx], nil
	}
	res := f.changes
	res.CurrentChangeNumber = f.changeNumber
	if res.LastChangeNumber == 0 {
		res.LastChangeNumber = f.changeNumber
	}
	return res, nil
}

func (f *fakeSession) PICSGetAccessTokens(ctx context.Context, appIDs []uint32) ([]AccessToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]AccessToken, 0, len(appIDs))
	for _, id := range appIDs {
		out = append(out, AccessToken{AppID: id, Token: f.tokens[id]})
	}
	return out, nil
}

func (f *fakeSession) PICSGetProductInfo(ctx context.Context, appIDs []uint32, tokens map[uint32]uint64) (<-chan ProductInfo, error) {
	f.mu.Lock()
	infos := make([]ProductInfo, 0, len(appIDs))
	for _, id := range appIDs {
		if pi, ok := f.productInfo[id]; ok {
			infos = append(infos, pi)
		} else {
			infos = append(infos, ProductInfo{AppID: id})
		}
	}
	f.mu.Unlock()

	ch := make(chan ProductInfo, len(infos))
	for _, pi := range infos {
		ch <- pi
	}
	close(ch)
	return ch, nil
}

func (f *fakeSession) GetAppListFallback(ctx context.Context) ([]uint32, map[uint32]string, uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32{}, f.appList...), f.appNames, f.changeNumber, nil
}

func (f *fakeSession) Disconnect(ctx context.Context, intentional bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.loggedOn = false
	f.disconnects = append(f.disconnects, intentional)
	return nil
}
