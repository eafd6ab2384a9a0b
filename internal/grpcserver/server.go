// Package grpcserver exposes the investment lifecycle to internal callers over gRPC with a JSON codec.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/fundpool/pkg/funding"
	"github.com/MarkoPoloResearchLab/fundpool/pkg/investment"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	errorInsufficientCapacity    = "insufficient_capacity"
	errorBelowMinimum            = "below_minimum"
	errorNotAcceptingFunds       = "project_not_accepting_funds"
	errorUnsupportedMethod       = "unsupported_payment_method"
	errorInvalidAmount           = "invalid_amount"
	errorInvalidProjectID        = "invalid_project_id"
	errorInvalidInvestmentID     = "invalid_investment_id"
	errorInvalidInvestorID       = "invalid_investor_id"
	errorGatewayTimeout          = "gateway_timeout"
	errorGatewayError            = "gateway_error"
	errorInvalidStateTransition  = "invalid_state_transition"
	errorUnknownInvestment       = "unknown_investment"
	errorUnknownProject          = "unknown_project"
	errorRequestDeadlineExceeded = "deadline_exceeded"
)

// Service is the state machine surface the gRPC handlers drive.
type Service interface {
	CreateInvestment(ctx context.Context, request investment.CreateRequest) (investment.CreateResult, error)
	GetInvestment(ctx context.Context, investmentID investment.InvestmentID) (investment.Investment, error)
	ConfirmInvestment(ctx context.Context, investmentID investment.InvestmentID) (investment.Investment, error)
	CancelInvestment(ctx context.Context, investmentID investment.InvestmentID) (investment.Investment, error)
	Funding(ctx context.Context, projectID funding.ProjectID) (funding.FundingSnapshot, error)
}

// InvestmentServer implements InvestmentServiceServer.
type InvestmentServer struct {
	service Service
}

// NewInvestmentServer constructs a gRPC server for the investment service.
func NewInvestmentServer(service Service) *InvestmentServer {
	return &InvestmentServer{service: service}
}

// Register attaches the service to a grpc.Server.
func Register(registrar grpc.ServiceRegistrar, server InvestmentServiceServer) {
	registrar.RegisterService(&InvestmentServiceDesc, server)
}

func (server *InvestmentServer) CreateInvestment(ctx context.Context, request *CreateInvestmentRequest) (*InvestmentResponse, error) {
	investorID, err := investment.NewInvestorID(request.InvestorID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	projectID, err := funding.NewProjectID(request.ProjectID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := requestAmount(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	method, err := investment.NewPaymentMethod(request.PaymentMethod)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	result, operationError := server.service.CreateInvestment(ctx, investment.CreateRequest{
		ProjectID:     projectID,
		InvestorID:    investorID,
		Amount:        amount,
		PaymentMethod: method,
	})
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newInvestmentResponse(result.Investment, result.ClientSecret), nil
}

func (server *InvestmentServer) GetInvestment(ctx context.Context, request *InvestmentRequest) (*InvestmentResponse, error) {
	record, err := server.loadOwned(ctx, request)
	if err != nil {
		return nil, err
	}
	return newInvestmentResponse(record, ""), nil
}

func (server *InvestmentServer) ConfirmInvestment(ctx context.Context, request *InvestmentRequest) (*InvestmentResponse, error) {
	return server.applyOwned(ctx, request, server.service.ConfirmInvestment)
}

func (server *InvestmentServer) CancelInvestment(ctx context.Context, request *InvestmentRequest) (*InvestmentResponse, error) {
	return server.applyOwned(ctx, request, server.service.CancelInvestment)
}

func (server *InvestmentServer) GetFunding(ctx context.Context, request *FundingRequest) (*FundingResponse, error) {
	projectID, err := funding.NewProjectID(request.ProjectID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	snapshot, operationError := server.service.Funding(ctx, projectID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newFundingResponse(snapshot), nil
}

func (server *InvestmentServer) applyOwned(ctx context.Context, request *InvestmentRequest, apply func(context.Context, investment.InvestmentID) (investment.Investment, error)) (*InvestmentResponse, error) {
	record, err := server.loadOwned(ctx, request)
	if err != nil {
		return nil, err
	}
	updated, operationError := apply(ctx, record.ID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newInvestmentResponse(updated, ""), nil
}

// loadOwned hides investments of other investors behind NotFound.
func (server *InvestmentServer) loadOwned(ctx context.Context, request *InvestmentRequest) (investment.Investment, error) {
	investorID, err := investment.NewInvestorID(request.InvestorID)
	if err != nil {
		return investment.Investment{}, mapToGRPCError(err)
	}
	investmentID, err := investment.NewInvestmentID(request.InvestmentID)
	if err != nil {
		return investment.Investment{}, mapToGRPCError(err)
	}
	record, operationError := server.service.GetInvestment(ctx, investmentID)
	if operationError != nil {
		return investment.Investment{}, mapToGRPCError(operationError)
	}
	if record.InvestorID != investorID {
		return investment.Investment{}, status.Error(codes.NotFound, errorUnknownInvestment)
	}
	return record, nil
}

func requestAmount(request *CreateInvestmentRequest) (funding.PositiveAmountCents, error) {
	if strings.TrimSpace(request.Amount) != "" {
		return investment.ParseAmount(request.Amount)
	}
	amount, err := funding.NewPositiveAmountCents(request.AmountCents)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", investment.ErrInvalidAmount, err)
	}
	return amount, nil
}

func mapToGRPCError(source error) error {
	if available, ok := funding.AvailableFromError(source); ok {
		return status.Errorf(codes.FailedPrecondition, "%s: available_cents=%d", errorInsufficientCapacity, available.Int64())
	}
	if errors.Is(source, investment.ErrInsufficientCapacity) {
		return status.Error(codes.FailedPrecondition, errorInsufficientCapacity)
	}
	if errors.Is(source, investment.ErrBelowMinimum) {
		return status.Error(codes.InvalidArgument, errorBelowMinimum)
	}
	if errors.Is(source, investment.ErrProjectNotAcceptingFunds) {
		return status.Error(codes.FailedPrecondition, errorNotAcceptingFunds)
	}
	if errors.Is(source, investment.ErrUnsupportedPaymentMethod) {
		return status.Error(codes.InvalidArgument, errorUnsupportedMethod)
	}
	if errors.Is(source, investment.ErrInvalidAmount) {
		return status.Error(codes.InvalidArgument, errorInvalidAmount)
	}
	if errors.Is(source, funding.ErrInvalidProjectID) {
		return status.Error(codes.InvalidArgument, errorInvalidProjectID)
	}
	if errors.Is(source, investment.ErrInvalidInvestmentID) {
		return status.Error(codes.InvalidArgument, errorInvalidInvestmentID)
	}
	if errors.Is(source, investment.ErrInvalidInvestorID) {
		return status.Error(codes.InvalidArgument, errorInvalidInvestorID)
	}
	if errors.Is(source, investment.ErrGatewayTimeout) {
		return status.Error(codes.DeadlineExceeded, errorGatewayTimeout)
	}
	if errors.Is(source, investment.ErrGatewayError) {
		return status.Error(codes.Unavailable, errorGatewayError)
	}
	if errors.Is(source, investment.ErrInvalidStateTransition) {
		return status.Error(codes.FailedPrecondition, errorInvalidStateTransition)
	}
	if errors.Is(source, investment.ErrUnknownInvestment) {
		return status.Error(codes.NotFound, errorUnknownInvestment)
	}
	if errors.Is(source, investment.ErrUnknownProject) {
		return status.Error(codes.NotFound, errorUnknownProject)
	}
	if errors.Is(source, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, errorRequestDeadlineExceeded)
	}
	return status.Error(codes.Internal, source.Error())
}
