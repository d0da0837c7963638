package question

import "github.com/vitamin33/agent-poi/internal/protocol"

// Question is one challenge question with the reference answer used for
// judging peer responses.
type Question struct {
	Text            string `json:"question"`
	Domain          string `json:"domain"`
	Difficulty      string `json:"difficulty"`
	ReferenceAnswer string `json:"reference_answer"`
}

// ID derives a deterministic identifier from the question text.
func (q Question) ID() string {
	return protocol.SHA256Hex([]byte(q.Text))[:12]
}

// Pools holds the question pools keyed by domain.
var Pools = map[string][]Question{
	"defi": {
		{
			Text:            "Explain how an Automated Market Maker (AMM) determines token prices using the constant product formula.",
			Domain:          "defi",
			Difficulty:      "medium",
			ReferenceAnswer: "AMMs use x*y=k where x and y are token reserves. Price is the ratio of reserves. As one token is bought, its reserve decreases and price increases, maintaining the constant product invariant.",
		},
		{
			Text:            "What is impermanent loss and when does it occur in liquidity pools?",
			Domain:          "defi",
			Difficulty:      "medium",
			ReferenceAnswer: "Impermanent loss occurs when the price ratio of pooled tokens changes from when they were deposited. The larger the divergence, the more IL. It becomes permanent only when liquidity is withdrawn at different ratios.",
		},
		{
			Text:            "Describe how flash loans work and why they don't require collateral.",
			Domain:          "defi",
			Difficulty:      "hard",
			ReferenceAnswer: "Flash loans are uncollateralized loans that must be borrowed and repaid within a single transaction. If the borrower can't repay, the entire transaction reverts atomically, so the lender's funds are never at risk.",
		},
		{
			Text:            "What is Total Value Locked (TVL) and why is it an important DeFi metric?",
			Domain:          "defi",
			Difficulty:      "easy",
			ReferenceAnswer: "TVL measures the total value of crypto assets deposited in DeFi protocols. It indicates protocol adoption, user trust, and available liquidity. Higher TVL generally means more liquid markets and lower slippage.",
		},
		{
			Text:            "How does yield farming work and what are the main risks involved?",
			Domain:          "defi",
			Difficulty:      "medium",
			ReferenceAnswer: "Yield farming involves providing liquidity or staking tokens across protocols to earn rewards. Main risks include impermanent loss, smart contract bugs, rug pulls, token price volatility, and liquidation risk in leveraged positions.",
		},
		{
			Text:            "What is the difference between a centralized exchange (CEX) and a decentralized exchange (DEX)?",
			Domain:          "defi",
			Difficulty:      "easy",
			ReferenceAnswer: "CEXs hold user funds in custodial wallets and use order books. DEXs are non-custodial, using smart contracts and AMMs for trading. DEXs offer self-custody but may have higher slippage and gas costs.",
		},
		{
			Text:            "Explain the concept of concentrated liquidity as implemented by Uniswap V3.",
			Domain:          "defi",
			Difficulty:      "hard",
			ReferenceAnswer: "Concentrated liquidity allows LPs to allocate capital within custom price ranges instead of the full 0 to infinity range. This provides higher capital efficiency but requires active management as positions can go out of range.",
		},
		{
			Text:            "What is a liquidity bootstrapping pool (LBP) and how does it enable fair token launches?",
			Domain:          "defi",
			Difficulty:      "hard",
			ReferenceAnswer: "LBPs use dynamic weights that shift over time, starting with high token weight and gradually decreasing. This creates natural downward price pressure, discouraging front-running bots and enabling fairer price discovery.",
		},
	},
	"solana": {
		{
			Text:            "What are Program Derived Addresses (PDAs) in Solana and how are they created?",
			Domain:          "solana",
			Difficulty:      "medium",
			ReferenceAnswer: "PDAs are deterministic addresses derived from a program ID and seeds that fall off the Ed25519 curve. Created using findProgramAddress with seeds and program ID, they enable programs to sign transactions without private keys.",
		},
		{
			Text:            "Explain how Solana's Proof of History (PoH) provides a verifiable passage of time.",
			Domain:          "solana",
			Difficulty:      "hard",
			ReferenceAnswer: "PoH uses a sequential SHA-256 hash chain where each hash includes the previous output, creating a verifiable delay function. This cryptographic clock establishes temporal ordering of events before consensus, enabling high throughput.",
		},
		{
			Text:            "What is Cross-Program Invocation (CPI) in Solana and what are its constraints?",
			Domain:          "solana",
			Difficulty:      "medium",
			ReferenceAnswer: "CPI allows one program to call another program's instructions. The calling program passes required accounts, and the callee inherits the caller's signer privileges. CPI depth is limited to 4 levels to prevent stack overflow.",
		},
		{
			Text:            "How does the Solana Token Program handle fungible token creation and transfers?",
			Domain:          "solana",
			Difficulty:      "easy",
			ReferenceAnswer: "The Token Program manages mints (token types) and token accounts (balances). Creating a token involves initializing a mint account with decimals and authority. Transfers move tokens between associated token accounts owned by different wallets.",
		},
		{
			Text:            "What is the Anchor framework and how does it simplify Solana development?",
			Domain:          "solana",
			Difficulty:      "easy",
			ReferenceAnswer: "Anchor is a framework for Solana programs that provides account validation macros, automatic serialization, IDL generation, and client code generation. It reduces boilerplate and common security mistakes through declarative account constraints.",
		},
		{
			Text:            "Explain how Solana's rent system works and what rent exemption means.",
			Domain:          "solana",
			Difficulty:      "medium",
			ReferenceAnswer: "Solana charges rent for on-chain account storage. Accounts must maintain a minimum balance (about 2 years of rent) to be rent-exempt, meaning they persist indefinitely. Accounts below this threshold are garbage collected.",
		},
		{
			Text:            "What is the difference between Solana's transaction and instruction, and how do they relate?",
			Domain:          "solana",
			Difficulty:      "easy",
			ReferenceAnswer: "A transaction is a signed message containing one or more instructions. Each instruction specifies a program to invoke, accounts it reads or writes, and instruction data. Transactions are atomic - all instructions succeed or all fail.",
		},
		{
			Text:            "How does Solana achieve high throughput compared to other blockchains?",
			Domain:          "solana",
			Difficulty:      "medium",
			ReferenceAnswer: "Solana combines Proof of History for ordering, Tower BFT for consensus, Turbine for block propagation, Gulf Stream for transaction forwarding, Sealevel for parallel execution, and Pipelining for transaction processing. This enables 65K+ TPS theoretical throughput.",
		},
	},
	"security": {
		{
			Text:            "What is a reentrancy attack in smart contracts and how can it be prevented?",
			Domain:          "security",
			Difficulty:      "medium",
			ReferenceAnswer: "Reentrancy occurs when an external call allows the callee to re-enter the calling function before state updates complete. Prevention includes checks-effects-interactions pattern, reentrancy guards, and updating state before external calls.",
		},
		{
			Text:            "Describe how a rug pull works in DeFi and what red flags to look for.",
			Domain:          "security",
			Difficulty:      "easy",
			ReferenceAnswer: "A rug pull occurs when developers drain liquidity or mint unlimited tokens after attracting investment. Red flags include anonymous teams, unaudited contracts, locked liquidity periods, concentrated token ownership, and unrealistic APY promises.",
		},
		{
			Text:            "What is a sandwich attack in DeFi and how does it exploit pending transactions?",
			Domain:          "security",
			Difficulty:      "hard",
			ReferenceAnswer: "A sandwich attack front-runs a victim's swap with a buy order, driving up the price, then back-runs with a sell after the victim's trade executes at the inflated price. MEV bots monitor the mempool for profitable sandwich opportunities.",
		},
		{
			Text:            "Explain the oracle manipulation attack vector in DeFi protocols.",
			Domain:          "security",
			Difficulty:      "hard",
			ReferenceAnswer: "Oracle manipulation occurs when an attacker inflates or deflates an asset's price in a price oracle (often an AMM) within a single transaction, then uses the manipulated price in another protocol for borrowing or liquidation profit. TWAP oracles mitigate this.",
		},
		{
			Text:            "What is a Sybil attack and how do decentralized systems defend against it?",
			Domain:          "security",
			Difficulty:      "medium",
			ReferenceAnswer: "A Sybil attack creates multiple fake identities to gain disproportionate influence. Defenses include proof-of-stake (economic cost per identity), proof-of-work (computational cost), reputation systems, and identity verification.",
		},
		{
			Text:            "How does account validation prevent common Solana program vulnerabilities?",
			Domain:          "security",
			Difficulty:      "medium",
			ReferenceAnswer: "Account validation checks that accounts passed to instructions are the expected type, owner, and state. Without it, attackers can pass fake accounts. Anchor's account constraints automate these checks, preventing missing signer, owner, and type confusion bugs.",
		},
		{
			Text:            "What is a flash loan attack and how has it been used to exploit DeFi protocols?",
			Domain:          "security",
			Difficulty:      "hard",
			ReferenceAnswer: "Flash loan attacks use uncollateralized borrowed funds to manipulate prices or exploit logic bugs within a single transaction. Common targets include price oracle manipulation, governance attacks, and arbitrage of protocol mispricing, all risk-free due to atomic execution.",
		},
		{
			Text:            "Explain private key security best practices for blockchain wallets.",
			Domain:          "security",
			Difficulty:      "easy",
			ReferenceAnswer: "Best practices include hardware wallets for cold storage, never sharing seed phrases, using multisig for high-value accounts, avoiding clipboard exposure, verifying transaction details before signing, and using separate wallets for different risk levels.",
		},
	},
	"general": {
		{
			Text:            "What is the Agent-to-Agent (A2A) protocol and why is it important for AI agents?",
			Domain:          "general",
			Difficulty:      "easy",
			ReferenceAnswer: "The A2A protocol enables AI agents to discover, communicate, and verify each other through standardized HTTP endpoints. It's important because it creates an interoperable network where agents can collaborate, challenge each other, and build trust.",
		},
		{
			Text:            "How does on-chain reputation verification differ from traditional trust systems?",
			Domain:          "general",
			Difficulty:      "medium",
			ReferenceAnswer: "On-chain reputation is transparent, immutable, and verifiable by anyone without trusted intermediaries. Unlike traditional systems, it can't be censored, modified, or faked. Challenge-response protocols provide cryptographic proof of competence.",
		},
		{
			Text:            "What is Proof-of-Intelligence and how does it verify AI agent capabilities?",
			Domain:          "general",
			Difficulty:      "medium",
			ReferenceAnswer: "Proof-of-Intelligence is a verification system where agents prove their capabilities through challenge-response tests, domain benchmarks, and peer evaluation. Results are recorded on-chain, creating a verifiable track record of agent intelligence.",
		},
		{
			Text:            "Explain the difference between Small Language Models (SLMs) and Large Language Models (LLMs).",
			Domain:          "general",
			Difficulty:      "easy",
			ReferenceAnswer: "SLMs are compact models optimized for specific tasks with fewer parameters, running efficiently on edge devices. LLMs have billions of parameters and broad capabilities but require significant compute. SLMs trade generality for efficiency and specialization.",
		},
	},
}

// All returns every question across all domains in a stable order.
func All() []Question {
	domains := []string{"defi", "solana", "security", "general"}
	var all []Question
	for _, d := range domains {
		all = append(all, Pools[d]...)
	}
	return all
}

// PersonalityWeights maps an agent personality to per-domain selection
// weights. Unknown personalities fall back to "general".
var PersonalityWeights = map[string]map[string]float64{
	"defi":     {"defi": 0.50, "solana": 0.15, "security": 0.20, "general": 0.15},
	"security": {"defi": 0.15, "solana": 0.20, "security": 0.50, "general": 0.15},
	"solana":   {"defi": 0.15, "solana": 0.50, "security": 0.20, "general": 0.15},
	"general":  {"defi": 0.25, "solana": 0.25, "security": 0.25, "general": 0.25},
}
