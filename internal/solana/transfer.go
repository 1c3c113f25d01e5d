package solana

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
)

var (
	// ErrNotConfirmed is returned when a submitted transaction does not
	// reach confirmed commitment within the confirmation window.
	ErrNotConfirmed = errors.New("transaction not confirmed")
)

// TransferResult pairs one batch recipient with the outcome of its
// transfer. A failed recipient has an empty Signature and a non-nil Err.
type TransferResult struct {
	Wallet    string
	Amount    uint64
	Signature string
	Err       error
}

// TransferSOL sends lamports from the keypair's wallet to the
// destination and waits for confirmation.
func (c *Client) TransferSOL(ctx context.Context, fromKey string, to string, lamports uint64) (string, error) {
	signer, err := solana.PrivateKeyFromBase58(fromKey)
	if err != nil {
		return "", fmt.Errorf("invalid sender key: %w", err)
	}
	dest, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return "", fmt.Errorf("invalid destination %q: %w", to, err)
	}

	instr := system.NewTransferInstruction(lamports, signer.PublicKey(), dest).Build()
	sig, err := c.submitAndConfirm(ctx, signer, []solana.Instruction{instr})
	if err != nil {
		return "", fmt.Errorf("sol transfer to %s failed: %w", to, err)
	}
	return sig, nil
}

// TransferToken sends token units of the mint from the keypair's wallet
// to the destination, creating the destination's associated token
// account when it does not exist yet.
func (c *Client) TransferToken(ctx context.Context, fromKey, to, mint string, amount uint64, decimals uint8) (string, error) {
	signer, err := solana.PrivateKeyFromBase58(fromKey)
	if err != nil {
		return "", fmt.Errorf("invalid sender key: %w", err)
	}

	instrs, err := c.tokenTransferInstructions(ctx, signer, to, mint, amount, decimals)
	if err != nil {
		return "", err
	}

	sig, err := c.submitAndConfirm(ctx, signer, instrs)
	if err != nil {
		return "", fmt.Errorf("token transfer to %s failed: %w", to, err)
	}
	return sig, nil
}

// TransferTokenBatch sends one transaction per chunk of transfers, all
// signed by the same keypair. Transfers within a chunk share one
// transaction, so a chunk fails or lands as a unit. Submission is paced
// by the client's rate limiter. Results come back in request order.
func (c *Client) TransferTokenBatch(ctx context.Context, fromKey, mint string, decimals uint8, transfers []TransferRequest, chunkSize int) ([]TransferResult, error) {
	signer, err := solana.PrivateKeyFromBase58(fromKey)
	if err != nil {
		return nil, fmt.Errorf("invalid sender key: %w", err)
	}
	if chunkSize <= 0 {
		chunkSize = 1
	}

	results := make([]TransferResult, 0, len(transfers))
	for start := 0; start < len(transfers); start += chunkSize {
		end := min(start+chunkSize, len(transfers))
		chunk := transfers[start:end]

		if err := c.limiter.Wait(ctx); err != nil {
			return results, err
		}

		sig, err := c.sendChunk(ctx, signer, mint, decimals, chunk)
		for _, tr := range chunk {
			result := TransferResult{Wallet: tr.Wallet, Amount: tr.Amount, Err: err}
			if err == nil {
				result.Signature = sig
			}
			results = append(results, result)
		}
		if err != nil {
			c.log.Warn("solana: transfer chunk failed",
				"recipients", len(chunk), "error", err)
		}
	}
	return results, nil
}

func (c *Client) sendChunk(ctx context.Context, signer solana.PrivateKey, mint string, decimals uint8, chunk []TransferRequest) (string, error) {
	var instrs []solana.Instruction
	for _, tr := range chunk {
		trInstrs, err := c.tokenTransferInstructions(ctx, signer, tr.Wallet, mint, tr.Amount, decimals)
		if err != nil {
			return "", err
		}
		instrs = append(instrs, trInstrs...)
	}
	return c.submitAndConfirm(ctx, signer, instrs)
}

func (c *Client) tokenTransferInstructions(ctx context.Context, signer solana.PrivateKey, to, mint string, amount uint64, decimals uint8) ([]solana.Instruction, error) {
	dest, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return nil, fmt.Errorf("invalid destination %q: %w", to, err)
	}
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return nil, fmt.Errorf("invalid mint %q: %w", mint, err)
	}

	source, _, err := solana.FindAssociatedTokenAddress(signer.PublicKey(), mintKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive source token account: %w", err)
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(dest, mintKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive destination token account: %w", err)
	}

	var instrs []solana.Instruction

	exists, err := c.accountExists(ctx, destATA)
	if err != nil {
		return nil, err
	}
	if !exists {
		create := associatedtokenaccount.NewCreateInstruction(
			signer.PublicKey(), dest, mintKey,
		).Build()
		instrs = append(instrs, create)
	}

	transfer := token.NewTransferCheckedInstruction(
		amount, decimals, source, mintKey, destATA, signer.PublicKey(), nil,
	).Build()
	instrs = append(instrs, transfer)
	return instrs, nil
}

func (c *Client) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	out, err := c.rpc.GetAccountInfoWithOpts(ctx, account, &solanarpc.GetAccountInfoOpts{
		Commitment: solanarpc.CommitmentConfirmed,
	})
	if err != nil {
		if errors.Is(err, solanarpc.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up account %s: %w", account, err)
	}
	return out != nil && out.Value != nil, nil
}

// SignAndSendBase64 signs a prebuilt base64-encoded transaction (as
// returned by swap aggregators) with the keypair, submits it, and waits
// for confirmation.
func (c *Client) SignAndSendBase64(ctx context.Context, signerKey, txBase64 string) (string, error) {
	signer, err := solana.PrivateKeyFromBase58(signerKey)
	if err != nil {
		return "", fmt.Errorf("invalid signer key: %w", err)
	}

	tx, err := solana.TransactionFromBase64(txBase64)
	if err != nil {
		return "", fmt.Errorf("failed to decode transaction: %w", err)
	}

	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(signer.PublicKey()) {
			return &signer
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	sig, err := c.rpc.SendTransactionWithOpts(sendCtx, tx, solanarpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: solanarpc.CommitmentConfirmed,
	})
	cancel()
	if err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	if err := c.confirmSignature(ctx, sig); err != nil {
		return "", err
	}
	return sig.String(), nil
}

func (c *Client) submitAndConfirm(ctx context.Context, signer solana.PrivateKey, instrs []solana.Instruction) (string, error) {
	blockhashCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	recent, err := c.rpc.GetLatestBlockhash(blockhashCtx, solanarpc.CommitmentConfirmed)
	cancel()
	if err != nil {
		return "", fmt.Errorf("failed to get blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(instrs, recent.Value.Blockhash,
		solana.TransactionPayer(signer.PublicKey()))
	if err != nil {
		return "", fmt.Errorf("failed to build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(signer.PublicKey()) {
			return &signer
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	sig, err := c.rpc.SendTransactionWithOpts(sendCtx, tx, solanarpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: solanarpc.CommitmentConfirmed,
	})
	cancel()
	if err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	if err := c.confirmSignature(ctx, sig); err != nil {
		return "", err
	}
	return sig.String(), nil
}

// confirmSignature polls signature status until the transaction reaches
// confirmed commitment or the confirmation window elapses.
func (c *Client) confirmSignature(ctx context.Context, sig solana.Signature) error {
	deadline := c.clock.Now().Add(confirmTimeout)
	for c.clock.Now().Before(deadline) {
		statusCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
		out, err := c.rpc.GetSignatureStatuses(statusCtx, true, sig)
		cancel()
		if err == nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction %s failed on chain: %v", sig, status.Err)
			}
			switch status.ConfirmationStatus {
			case solanarpc.ConfirmationStatusConfirmed, solanarpc.ConfirmationStatusFinalized:
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(confirmPoll):
		}
	}
	return fmt.Errorf("%w: %s", ErrNotConfirmed, sig)
}
