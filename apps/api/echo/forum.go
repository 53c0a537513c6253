package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/syuukuriimu/student-forum/core"
	"github.com/syuukuriimu/student-forum/core/forum"
)

type (
	loginRequest struct {
		Role     forum.Role `json:"role" form:"role" validate:"required,oneof=student teacher"`
		Password string     `json:"password" form:"password" validate:"required"`
		Name     string     `json:"name" form:"name" validate:"max=50"`
	}

	loginResponse struct {
		Token string     `json:"token"`
		Role  forum.Role `json:"role"`
		Name  string     `json:"name,omitempty"`
	}

	deleteRequest struct {
		AccessKey string `json:"access_key" form:"access_key" query:"access_key"`
	}

	deleteThreadResponse struct {
		Status forum.Status `json:"status"`
	}

	accessKeyRequest struct {
		AccessKey string `json:"access_key" form:"access_key" validate:"max=100"`
	}

	forumApi struct {
		conf     *core.Config
		service  *forum.Service
		validate *validator.Validate
	}
)

func registerForumAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	limiter *ipRateLimiter,
	conf *core.Config,
	svc *forum.Service,
	validate *validator.Validate,
) {
	api := forumApi{conf: conf, service: svc, validate: validate}

	g.POST("/sessions", api.login, rateLimitMiddleware(limiter))

	threads := g.Group("/threads", jwt)
	threads.GET("", api.queryThreads)
	threads.POST("", api.createThread, roleMiddleware(forum.RoleStudent))
	threads.GET("/:title", api.retrieveThread)
	threads.DELETE("/:title", api.destroyThread)
	threads.POST("/:title/messages", api.createMessage)
	threads.PUT("/:title/access-key", api.resetAccessKey, roleMiddleware(forum.RoleTeacher))

	messages := g.Group("/messages", jwt)
	messages.DELETE("/:id", api.destroyMessage)
	messages.GET("/:id/image", api.retrieveImage)
}

func (api *forumApi) login(ctx echo.Context) error {
	var data loginRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to loginRequest")
	}
	data.Name = core.CleanString(data.Name)
	if err := api.validate.Struct(&data); err != nil {
		return err
	}
	if err := authenticate(api.conf, data.Role, data.Password); err != nil {
		return err
	}

	actor := forum.Actor{Role: data.Role, Name: data.Name}
	token, err := GenerateToken(api.conf.SecretKey, NewClaims(api.conf, actor))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, loginResponse{Token: token, Role: actor.Role, Name: actor.Name})
}

func (api *forumApi) queryThreads(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}
	var ord Ordering
	ord.Bind(ctx)
	unanswered, err := boolQuery(ctx, "unanswered")
	if err != nil {
		return err
	}
	filter := forum.QueryFilter{Search: ctx.QueryParam("search"), Unanswered: unanswered, Orderings: ord.Orderings}

	summaries, err := api.service.ListThreads(ctx.Request().Context(), actor, filter)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, summaries)
}

func (api *forumApi) createThread(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}
	var data forum.NewQuestion
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to forum.NewQuestion")
	}
	if data.Image, err = bindImage(ctx); err != nil {
		return err
	}
	data.AccessKey = accessKey(ctx, data.AccessKey)
	if data.Poster == "" {
		data.Poster = actor.Name
	}

	msg, err := api.service.PostQuestion(ctx.Request().Context(), actor, data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, msg)
}

func (api *forumApi) retrieveThread(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}
	title, err := pathParam(ctx, "title")
	if err != nil {
		return err
	}

	tr, err := api.service.Transcript(ctx.Request().Context(), actor, title)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, tr)
}

func (api *forumApi) createMessage(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}
	title, err := pathParam(ctx, "title")
	if err != nil {
		return err
	}
	var data forum.NewReply
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to forum.NewReply")
	}
	if data.Image, err = bindImage(ctx); err != nil {
		return err
	}
	data.AccessKey = accessKey(ctx, data.AccessKey)

	msg, err := api.service.Reply(ctx.Request().Context(), actor, title, data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, msg)
}

func (api *forumApi) destroyThread(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}
	title, err := pathParam(ctx, "title")
	if err != nil {
		return err
	}
	var data deleteRequest
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to deleteRequest")
	}

	status, err := api.service.DeleteThread(ctx.Request().Context(), actor, title, accessKey(ctx, data.AccessKey))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, deleteThreadResponse{Status: status})
}

func (api *forumApi) resetAccessKey(ctx echo.Context) error {
	title, err := pathParam(ctx, "title")
	if err != nil {
		return err
	}
	var data accessKeyRequest
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to accessKeyRequest")
	}
	data.AccessKey = core.CleanString(data.AccessKey)
	if err = api.validate.Struct(&data); err != nil {
		return err
	}

	if err = api.service.ResetAccessKey(ctx.Request().Context(), title, data.AccessKey); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *forumApi) destroyMessage(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}
	var data deleteRequest
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to deleteRequest")
	}

	err = api.service.DeleteMessage(ctx.Request().Context(), actor, ctx.Param("id"), accessKey(ctx, data.AccessKey))
	if err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *forumApi) retrieveImage(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}

	data, err := api.service.MessageImage(ctx.Request().Context(), actor, ctx.Param("id"))
	if err != nil {
		return err
	}
	return ctx.Blob(http.StatusOK, "image/jpeg", data)
}
