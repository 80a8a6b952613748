// Package deploy decodes the deployment manifest: the set of protocol
// entities to run, their links and the pipeline keeper settings.
package deploy

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"

	"NFTLend/internal/auction"
	"NFTLend/internal/core"
	"NFTLend/internal/escrow"
	"NFTLend/internal/loan"
	"NFTLend/internal/multisig"
	"NFTLend/internal/oracle"
	"NFTLend/internal/pipeline"
	"NFTLend/internal/pool"
	"NFTLend/internal/reserve"
	"NFTLend/internal/types"
)

// Manifest is the TOML deployment file. Amounts are decimal TON strings.
type Manifest struct {
	Operator               string `toml:"operator"`
	CoverageReserve        string `toml:"coverage_reserve"`
	MinBidBps              int64  `toml:"min_bid_bps"`
	AuctionDurationSeconds int64  `toml:"auction_duration_seconds"`

	Loans     []LoanSpec     `toml:"loan"`
	Oracles   []OracleSpec   `toml:"oracle"`
	Multisigs []MultisigSpec `toml:"multisig"`
	Pools     []PoolSpec     `toml:"pool"`
	Reserves  []ReserveSpec  `toml:"reserve"`
	Escrows   []EscrowSpec   `toml:"escrow"`
	Auctions  []AuctionSpec  `toml:"auction"`
}

type LoanSpec struct {
	ID                  string `toml:"id"`
	Owner               string `toml:"owner"`
	Borrower            string `toml:"borrower"`
	Collateral          string `toml:"collateral"`
	Principal           string `toml:"principal"`
	RepayAmount         string `toml:"repay_amount"`
	TermSeconds         int64  `toml:"term_seconds"`
	MaxLtvBps           int64  `toml:"max_ltv_bps"`
	OracleMaxAge        int64  `toml:"oracle_max_age"`
	RiskTimelockSeconds int64  `toml:"risk_timelock_seconds"`

	Oracle        string `toml:"oracle"`
	RiskAuthority string `toml:"risk_authority"`
	Escrow        string `toml:"escrow"`
	Pool          string `toml:"pool"`
}

type OracleSpec struct {
	ID              string   `toml:"id"`
	Owner           string   `toml:"owner"`
	Sources         []string `toml:"sources"`
	FreshnessWindow int64    `toml:"freshness_window"`
}

type MultisigSpec struct {
	ID              string   `toml:"id"`
	Signers         []string `toml:"signers"`
	MaxLtvBps       int64    `toml:"max_ltv_bps"`
	OracleMaxAge    int64    `toml:"oracle_max_age"`
	TimelockSeconds int64    `toml:"timelock_seconds"`
}

type PoolSpec struct {
	ID             string `toml:"id"`
	Owner          string `toml:"owner"`
	MaxOutstanding string `toml:"max_outstanding"`
}

type ReserveSpec struct {
	ID    string `toml:"id"`
	Owner string `toml:"owner"`
}

type EscrowSpec struct {
	ID       string `toml:"id"`
	Owner    string `toml:"owner"`
	Borrower string `toml:"borrower"`
	Nft      string `toml:"nft"`
	Loan     string `toml:"loan"`
}

// AuctionSpec deploys a standalone auction. Auctions for liquidated loans
// are provisioned by the pipeline instead.
type AuctionSpec struct {
	ID         string `toml:"id"`
	Owner      string `toml:"owner"`
	Collateral string `toml:"collateral"`
	Borrower   string `toml:"borrower"`
	Lender     string `toml:"lender"`
	Debt       string `toml:"debt"`
}

// Load decodes a manifest file. Unknown keys are rejected so a typo cannot
// silently drop a link.
func Load(path string) (*Manifest, error) {
	var m Manifest
	meta, err := toml.DecodeFile(path, &m)
	if err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("manifest %s: unknown key %s", path, undecoded[0])
	}
	return &m, nil
}

// Decode parses manifest TOML from a string.
func Decode(data string) (*Manifest, error) {
	var m Manifest
	meta, err := toml.Decode(data, &m)
	if err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("manifest: unknown key %s", undecoded[0])
	}
	return &m, nil
}

// Settings returns the pipeline settings the manifest declares.
func (m *Manifest) Settings() pipeline.Settings {
	return pipeline.Settings{
		Operator:               types.Address(m.Operator),
		Reserve:                types.EntityID(m.CoverageReserve),
		MinBidBps:              m.MinBidBps,
		AuctionDurationSeconds: m.AuctionDurationSeconds,
	}
}

// Build constructs every entity, in dependency order: oracles, multisigs,
// pools, reserves, escrows, auctions, then loans.
func (m *Manifest) Build() ([]core.Entity, error) {
	if err := m.validateLinks(); err != nil {
		return nil, err
	}
	op := types.Address(m.Operator)

	var out []core.Entity
	add := func(ent core.Entity, err error) error {
		if err != nil {
			return err
		}
		out = append(out, ent)
		return nil
	}

	for _, s := range m.Oracles {
		var sources [oracle.SourceCount]types.Address
		if len(s.Sources) != oracle.SourceCount {
			return nil, fmt.Errorf("oracle %s: expected %d sources, got %d", s.ID, oracle.SourceCount, len(s.Sources))
		}
		for i, src := range s.Sources {
			sources[i] = types.Address(src)
		}
		q, err := oracle.New(oracle.Config{
			ID: types.EntityID(s.ID), Owner: types.Address(s.Owner), Sources: sources, FreshnessWindow: s.FreshnessWindow,
		})
		if err := add(q, err); err != nil {
			return nil, err
		}
	}

	for _, s := range m.Multisigs {
		var signers [multisig.SignerCount]types.Address
		if len(s.Signers) != multisig.SignerCount {
			return nil, fmt.Errorf("multisig %s: expected %d signers, got %d", s.ID, multisig.SignerCount, len(s.Signers))
		}
		for i, sig := range s.Signers {
			signers[i] = types.Address(sig)
		}
		ms, err := multisig.New(multisig.Config{
			ID:              types.EntityID(s.ID),
			Signers:         signers,
			MaxLtvBps:       s.MaxLtvBps,
			OracleMaxAge:    s.OracleMaxAge,
			TimelockSeconds: s.TimelockSeconds,
		})
		if err := add(ms, err); err != nil {
			return nil, err
		}
	}

	for _, s := range m.Pools {
		maxOut, err := optionalTON(s.MaxOutstanding)
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", s.ID, err)
		}
		p, err := pool.New(pool.Config{
			ID: types.EntityID(s.ID), Owner: types.Address(s.Owner), Manager: op, MaxOutstanding: maxOut,
		})
		if err := add(p, err); err != nil {
			return nil, err
		}
	}

	for _, s := range m.Reserves {
		v, err := reserve.New(reserve.Config{ID: types.EntityID(s.ID), Owner: types.Address(s.Owner)})
		if err := add(v, err); err != nil {
			return nil, err
		}
	}

	for _, s := range m.Escrows {
		e, err := escrow.New(escrow.Config{
			ID:       types.EntityID(s.ID),
			Owner:    types.Address(s.Owner),
			Manager:  op,
			Borrower: types.Address(s.Borrower),
			Nft:      types.Address(s.Nft),
			Loan:     types.EntityID(s.Loan),
		})
		if err := add(e, err); err != nil {
			return nil, err
		}
	}

	for _, s := range m.Auctions {
		debt, err := types.ParseTON(s.Debt)
		if err != nil {
			return nil, fmt.Errorf("auction %s: %w", s.ID, err)
		}
		a, err := auction.New(auction.Config{
			ID:         types.EntityID(s.ID),
			Owner:      types.Address(s.Owner),
			Manager:    op,
			Collateral: s.Collateral,
			Borrower:   types.Address(s.Borrower),
			Lender:     types.Address(s.Lender),
			Debt:       debt,
		})
		if err := add(a, err); err != nil {
			return nil, err
		}
	}

	for _, s := range m.Loans {
		cfg, err := s.config(op)
		if err != nil {
			return nil, err
		}
		l, err := loan.New(cfg)
		if err := add(l, err); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s LoanSpec) config(keeper types.Address) (loan.Config, error) {
	principal, err := types.ParseTON(s.Principal)
	if err != nil {
		return loan.Config{}, fmt.Errorf("loan %s principal: %w", s.ID, err)
	}
	repay, err := types.ParseTON(s.RepayAmount)
	if err != nil {
		return loan.Config{}, fmt.Errorf("loan %s repay amount: %w", s.ID, err)
	}
	cfg := loan.Config{
		ID:               types.EntityID(s.ID),
		Owner:            types.Address(s.Owner),
		Borrower:         types.Address(s.Borrower),
		Collateral:       s.Collateral,
		Principal:        principal,
		RepayAmount:      repay,
		TermSeconds:      s.TermSeconds,
		MaxLtvBps:        s.MaxLtvBps,
		OracleMaxAge:     s.OracleMaxAge,
		RiskTimelockSecs: s.RiskTimelockSeconds,
		Oracle:           types.EntityID(s.Oracle),
		RiskAuthority:    types.EntityID(s.RiskAuthority),
		Escrow:           types.EntityID(s.Escrow),
		Pool:             types.EntityID(s.Pool),
	}
	if cfg.Pool != "" {
		cfg.Keeper = keeper
	}
	return cfg, nil
}

func optionalTON(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return types.ParseTON(s)
}

// validateLinks checks IDs are unique and every link names an entity of
// the right kind.
func (m *Manifest) validateLinks() error {
	kinds := make(map[string]types.EntityKind)
	declare := func(id string, kind types.EntityKind) error {
		if id == "" {
			return fmt.Errorf("%s with empty id", kind)
		}
		if prev, dup := kinds[id]; dup {
			return fmt.Errorf("duplicate entity id %q (%s and %s)", id, prev, kind)
		}
		kinds[id] = kind
		return nil
	}
	for _, s := range m.Oracles {
		if err := declare(s.ID, types.KindOracle); err != nil {
			return err
		}
	}
	for _, s := range m.Multisigs {
		if err := declare(s.ID, types.KindMultisig); err != nil {
			return err
		}
	}
	for _, s := range m.Pools {
		if err := declare(s.ID, types.KindPool); err != nil {
			return err
		}
	}
	for _, s := range m.Reserves {
		if err := declare(s.ID, types.KindReserve); err != nil {
			return err
		}
	}
	for _, s := range m.Escrows {
		if err := declare(s.ID, types.KindEscrow); err != nil {
			return err
		}
	}
	for _, s := range m.Auctions {
		if err := declare(s.ID, types.KindAuction); err != nil {
			return err
		}
	}
	for _, s := range m.Loans {
		if err := declare(s.ID, types.KindLoan); err != nil {
			return err
		}
	}

	expect := func(owner, field, id string, kind types.EntityKind) error {
		if id == "" {
			return nil
		}
		if got, ok := kinds[id]; !ok || got != kind {
			return fmt.Errorf("%s: %s %q is not a deployed %s", owner, field, id, kind)
		}
		return nil
	}
	needOperator := len(m.Pools) > 0 || len(m.Escrows) > 0 || len(m.Auctions) > 0
	for _, s := range m.Loans {
		owner := "loan " + s.ID
		for _, link := range []struct {
			field, id string
			kind      types.EntityKind
		}{
			{"oracle", s.Oracle, types.KindOracle},
			{"risk_authority", s.RiskAuthority, types.KindMultisig},
			{"escrow", s.Escrow, types.KindEscrow},
			{"pool", s.Pool, types.KindPool},
		} {
			if err := expect(owner, link.field, link.id, link.kind); err != nil {
				return err
			}
		}
		if s.Escrow != "" || s.Pool != "" {
			needOperator = true
		}
	}
	for _, s := range m.Escrows {
		if err := expect("escrow "+s.ID, "loan", s.Loan, types.KindLoan); err != nil {
			return err
		}
	}
	if err := expect("manifest", "coverage_reserve", m.CoverageReserve, types.KindReserve); err != nil {
		return err
	}
	if needOperator && m.Operator == "" {
		return fmt.Errorf("manifest: operator is required for pools, escrows and liquidations")
	}
	return nil
}

// ApplyEnv appends the single-loan deployment described by MVP_* variables
// when MVP_OWNER_ADDRESS is set. Defaults match the prototype deploy script.
func (m *Manifest) ApplyEnv(getenv func(string) string) error {
	ownerAddr := getenv("MVP_OWNER_ADDRESS")
	if ownerAddr == "" {
		return nil
	}
	str := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}
	num := func(key string, def int64) (int64, error) {
		v := getenv(key)
		if v == "" {
			return def, nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return n, nil
	}

	spec := LoanSpec{
		ID:          str("MVP_LOAN_ID", "mvp-loan"),
		Owner:       ownerAddr,
		Borrower:    str("MVP_BORROWER_ADDRESS", ownerAddr),
		Collateral:  str("MVP_COLLATERAL_NFT_ADDRESS", ownerAddr),
		Principal:   str("MVP_PRINCIPAL_TON", "0.2"),
		RepayAmount: str("MVP_REPAY_TON", "0.22"),
	}
	var err error
	if spec.TermSeconds, err = num("MVP_TERM_SECONDS", 86_400); err != nil {
		return err
	}
	if spec.MaxLtvBps, err = num("MVP_MAX_LTV_BPS", 5_000); err != nil {
		return err
	}
	if spec.OracleMaxAge, err = num("MVP_ORACLE_MAX_AGE", 600); err != nil {
		return err
	}
	if spec.RiskTimelockSeconds, err = num("MVP_RISK_TIMELOCK_SECONDS", 86_400); err != nil {
		return err
	}
	m.Loans = append(m.Loans, spec)
	return nil
}

// LoadFromEnv loads the manifest named by NFTLEND_DEPLOYMENT, if any, then
// applies MVP_* overrides.
func LoadFromEnv() (*Manifest, error) {
	m := &Manifest{}
	if path := os.Getenv("NFTLEND_DEPLOYMENT"); path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		m = loaded
	}
	if err := m.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return m, nil
}
